package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
)

// Entry is a regular file found by a walk
type Entry interface {
	// Path is a slash separated path relative to the root
	Path() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Root recursively walks dir inside of root. See FS for details.
func Root(ctx context.Context, root *os.Root, dir string) iter.Seq2[Entry, error] {
	return FS(ctx, root.FS(), dir)
}

// FS recursively walks the directory dir of fsys and returns a handle for
// every regular file found, or an error if file information retrieval
// fails. It does not follow symlinks, they are not regular files.
func FS(ctx context.Context, fsys fs.FS, dir string) iter.Seq2[Entry, error] {
	if fsys == nil {
		panic("fsys is nil")
	}
	if dir == "" {
		dir = "."
	}

	return func(yield func(Entry, error) bool) {
		fn := func(p string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			var entry = fsEntry{
				fsys: fsys,
				path: path.Clean(p),
			}
			var yieldErr error
			if err != nil {
				yieldErr = err
			} else {
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
				}
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(fsys, dir, fn)
	}
}

type fsEntry struct {
	fsys    fs.FS
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.path
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.fsys.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
