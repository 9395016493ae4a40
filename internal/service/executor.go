package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/walk"
)

type Tool string

const (
	ToolYTDLP  Tool = "yt-dlp"
	ToolFFmpeg Tool = "ffmpeg"
)

var streamExts = []string{
	".m3u8", ".mpd", ".mp4", ".m4v", ".webm", ".mkv", ".mov", ".avi", ".flv", ".ts",
	".mp3", ".m4a", ".aac", ".ogg", ".opus", ".flac", ".wav",
}

// auxiliary files are written next to the media, they are never the output
var auxExts = []string{
	".part", ".ytdl", ".temp", ".tmp", ".frag", ".vtt", ".srt", ".ass", ".lrc",
	".jpg", ".jpeg", ".png", ".webp", ".json", ".description",
}

const cookieFile = ".cookies.txt"

// ToolStatus reports whether a download tool can be started
type ToolStatus struct {
	Tool      Tool   `json:"tool"`
	Path      string `json:"path"`
	Available bool   `json:"available"`
}

// Output is a verified file produced by a job
type Output struct {
	Path        string // relative to the storage root
	ContentType string
	Size        int64
}

// Executor runs one download tool per job inside root/<job-id>.
type Executor struct {
	root     *os.Root
	base     string // absolute path of root, tools run outside of it
	cfg      ToolsConfig
	env      []string
	lookPath func(string) (string, error)
}

func NewExecutor(root *os.Root, cfg ToolsConfig) *Executor {
	base, err := filepath.Abs(root.Name())
	if err != nil {
		base = root.Name()
	}
	return &Executor{
		root:     root,
		base:     base,
		cfg:      cfg,
		env:      cfg.Environ(),
		lookPath: exec.LookPath,
	}
}

func (e *Executor) Tools() []ToolStatus {
	ret := make([]ToolStatus, 0, 2)
	for _, t := range []Tool{ToolYTDLP, ToolFFmpeg} {
		p, err := e.lookPath(e.configured(t))
		ret = append(ret, ToolStatus{Tool: t, Path: p, Available: err == nil})
	}
	return ret
}

func (e *Executor) configured(t Tool) string {
	if t == ToolFFmpeg {
		return e.cfg.FFmpeg.Path
	}
	return e.cfg.YTDLP.Path
}

// Select returns the tool for a request and its resolved path
func (e *Executor) Select(req model.ValidatedRequest) (Tool, string, error) {
	candidates := []Tool{ToolYTDLP}
	if isStream(req) {
		candidates = []Tool{ToolFFmpeg, ToolYTDLP}
	}
	var errs []error
	for _, t := range candidates {
		p, err := e.lookPath(e.configured(t))
		if err == nil {
			return t, p, nil
		}
		errs = append(errs, err)
	}
	return "", "", model.NewExecutionError(model.KindToolMissing, errors.Join(errs...))
}

func isStream(req model.ValidatedRequest) bool {
	if req.SourceType.Stream() {
		return true
	}
	if req.SourceType != model.SourceAuto {
		return false
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	return slices.Contains(streamExts, strings.ToLower(path.Ext(u.Path)))
}

// Dir creates the job directory
func (e *Executor) Dir(id string) error {
	err := e.root.Mkdir(id, 0o750)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return nil
}

// Remove deletes the job directory with all its content. A missing
// directory is not an error.
func (e *Executor) Remove(id string) error {
	return e.root.RemoveAll(id)
}

// Run downloads the media of job. Progress changes are passed to report.
// A returned error is always *model.ExecutionError.
func (e *Executor) Run(ctx context.Context, job model.Job, report func(Event)) (Output, error) {
	req := job.Request
	tool, bin, err := e.Select(req)
	if err != nil {
		return Output{}, err
	}
	if err := e.Dir(job.ID); err != nil {
		return Output{}, model.NewExecutionError(model.KindInternal, fmt.Errorf("creating job directory: %w", err))
	}
	dir := filepath.Join(e.base, job.ID)

	var cookies string
	if req.Cookies != "" && tool == ToolYTDLP {
		name := path.Join(job.ID, cookieFile)
		if err := e.writeCookies(name, req); err != nil {
			return Output{}, model.NewExecutionError(model.KindInternal, fmt.Errorf("writing cookies: %w", err))
		}
		defer func() {
			if err := e.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.WarnContext(ctx, "removing cookie file", "job_id", job.ID, "error", err)
			}
		}()
		cookies = filepath.Join(e.base, filepath.FromSlash(name))
	}

	args := ytdlpArgs(req, dir, cookies)
	if tool == ToolFFmpeg {
		args = ffmpegArgs(req)
	}
	classifier := NewClassifier(tool)

	cmd := Command{
		Path:    bin,
		Args:    args,
		Env:     e.environ(dir),
		Dir:     dir,
		Timeout: e.cfg.Timeout,
		Grace:   e.cfg.Grace,
	}
	slog.DebugContext(ctx, "starting a tool", "tool", string(tool), "args", len(args))
	proc, err := NewRunner().Start(ctx, cmd)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return Output{}, model.NewExecutionError(model.KindToolMissing, err)
		}
		return Output{}, model.NewExecutionError(model.KindInternal, err)
	}

	var prog progress
	for line := range proc.Lines() {
		ev, ok := classifier.Classify(line)
		if !ok || !prog.apply(ev) {
			continue
		}
		report(Event{
			Stage:     prog.stage,
			Percent:   prog.percent,
			Fragment:  prog.fragment,
			Fragments: prog.fragments,
		})
	}
	res := proc.Wait()
	if len(res.Stderr) > 0 {
		slog.DebugContext(ctx, "tool stderr", "tool", string(tool), "stderr", res.Stderr)
	}

	switch {
	case res.Cancelled:
		return Output{}, model.NewExecutionError(model.KindCancelled, context.Canceled)
	case res.TimedOut:
		return Output{}, model.NewExecutionError(model.KindTimeout, context.DeadlineExceeded)
	case res.Err != nil:
		kind := prog.failure
		if kind == "" {
			kind = model.KindToolFailure
		}
		return Output{}, model.NewExecutionError(kind, fmt.Errorf("%s: %w", tool, res.Err))
	case prog.failure != "":
		// a fatal marker fails the job even on a clean exit
		return Output{}, model.NewExecutionError(prog.failure, fmt.Errorf("%s: reported an error", tool))
	}

	report(Event{Stage: model.StageFinalizing, Percent: 100, Fragment: prog.fragment, Fragments: prog.fragments})
	out, err := e.verify(ctx, job.ID, req.Format)
	if err != nil {
		return Output{}, err
	}
	slog.InfoContext(ctx, "download finished", "tool", string(tool), "content_type", out.ContentType, "size", out.Size, "took", res.Stopped.Sub(res.Started).Round(time.Millisecond).String())
	return out, nil
}

// environ contains nothing from a request
func (e *Executor) environ(dir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"LANG=C.UTF-8",
	}
	return append(env, e.env...)
}

// verify picks the produced media file from the job directory
func (e *Executor) verify(ctx context.Context, id string, format model.Format) (Output, error) {
	var best walk.Entry
	var bestInfo fs.FileInfo
	for entry, err := range walk.Root(ctx, e.root, id) {
		if err != nil {
			return Output{}, model.NewExecutionError(model.KindInternal, err)
		}
		name := path.Base(entry.Path())
		if strings.HasPrefix(name, ".") || slices.Contains(auxExts, strings.ToLower(path.Ext(name))) {
			continue
		}
		info, err := entry.Stat()
		if err != nil || info.Size() == 0 {
			continue
		}
		if best == nil || better(info, bestInfo, format) {
			best, bestInfo = entry, info
		}
	}
	if best == nil {
		return Output{}, model.NewExecutionError(model.KindToolFailure, errors.New("no output file"))
	}

	mtype, err := sniff(best)
	if err != nil {
		return Output{}, model.NewExecutionError(model.KindInternal, err)
	}
	if mtype.Is("text/html") {
		return Output{}, model.NewExecutionError(model.KindUnsupported, errors.New("output is a HTML page"))
	}
	return Output{
		Path:        best.Path(),
		ContentType: mtype.String(),
		Size:        bestInfo.Size(),
	}, nil
}

// better prefers the requested extension, then a bigger file
func better(a, b fs.FileInfo, format model.Format) bool {
	want := "." + string(format)
	am := strings.EqualFold(path.Ext(a.Name()), want)
	bm := strings.EqualFold(path.Ext(b.Name()), want)
	if am != bm {
		return am
	}
	return a.Size() > b.Size()
}

func sniff(entry walk.Entry) (*mimetype.MIME, error) {
	f, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mimetype.DetectReader(io.LimitReader(f, 3072))
}
