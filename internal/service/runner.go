package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/CZERTAINLY/mediagate/internal/model"
)

var ErrProcessStarted = errors.New("process already started")

const (
	maxLine   = 64 * 1024
	tailLines = 20
)

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

type Line struct {
	Stream Stream
	Text   string
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
	// Grace is the time between SIGTERM and SIGKILL
	Grace time.Duration
}

type Result struct {
	Path      string
	Args      []string
	Started   time.Time
	Stopped   time.Time
	State     *os.ProcessState
	Err       error
	TimedOut  bool
	Cancelled bool
	// Stderr are the last lines of a standard error, redacted
	Stderr []string
}

// Runner runs at most one process at a time
type Runner struct {
	mx   sync.Mutex
	proc *Process
}

func NewRunner() *Runner {
	return &Runner{}
}

// Start starts proto and returns at once. It returns ErrProcessStarted when
// the previous process has not been waited for.
//
// The process runs in its own process group. When ctx is done or the timeout
// expires the group and all descendants get SIGTERM, after Grace the group
// gets SIGKILL.
func (r *Runner) Start(ctx context.Context, proto Command) (*Process, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.proc != nil && !r.proc.done() {
		return nil, ErrProcessStarted
	}

	parent := ctx
	var cancel context.CancelFunc
	if proto.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
	} else {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	setpgid(cmd)
	cmd.Cancel = func() error {
		return terminate(cmd.Process.Pid)
	}
	cmd.WaitDelay = proto.Grace

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	p := &Process{
		cmd:     cmd,
		ctx:     ctx,
		parent:  parent,
		cancel:  cancel,
		writers: []*io.PipeWriter{outW, errW},
		lines:   make(chan Line),
		discard: make(chan struct{}),
		stopped: make(chan struct{}),
		result: Result{
			Path: proto.Path,
			Args: append([]string(nil), proto.Args...),
		},
	}

	p.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	p.readers.Go(func() { p.read(outR, Stdout) })
	p.readers.Go(func() { p.read(errR, Stderr) })
	go func() {
		p.readers.Wait()
		close(p.lines)
	}()
	go p.wait()

	r.proc = p
	return p, nil
}

// Process is a started command
type Process struct {
	cmd     *exec.Cmd
	ctx     context.Context
	parent  context.Context
	cancel  context.CancelFunc
	writers []*io.PipeWriter

	readers     sync.WaitGroup
	lines       chan Line
	linesOnce   sync.Once
	discard     chan struct{}
	discardOnce sync.Once

	tailMx sync.Mutex
	tail   []string

	stopped chan struct{}
	result  Result
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) done() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

// Lines yields lines of both standard output and standard error in the
// order they were read. It can be ranged over only once, next calls yield
// nothing. Lines which are not consumed are discarded, so the process never
// blocks on its output.
func (p *Process) Lines() iter.Seq[Line] {
	return func(yield func(Line) bool) {
		first := false
		p.linesOnce.Do(func() { first = true })
		if !first {
			return
		}
		defer p.stopReading()
		for line := range p.lines {
			if !yield(line) {
				return
			}
		}
	}
}

func (p *Process) stopReading() {
	p.discardOnce.Do(func() { close(p.discard) })
}

func (p *Process) read(r *io.PipeReader, stream Stream) {
	defer func() {
		// unblock the copying goroutine of exec.Cmd
		_, _ = io.Copy(io.Discard, r)
		_ = r.Close()
	}()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	scanner.Split(scanLines)
	for scanner.Scan() {
		text := scanner.Text()
		if stream == Stderr {
			p.addTail(text)
		}
		select {
		case p.lines <- Line{Stream: stream, Text: text}:
		case <-p.discard:
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		slog.DebugContext(p.ctx, "reading output", "stream", stream.String(), "error", err)
	}
}

func (p *Process) addTail(line string) {
	line = model.SanitizeMessage(line)
	if line == "" {
		return
	}
	p.tailMx.Lock()
	defer p.tailMx.Unlock()
	if len(p.tail) == tailLines {
		p.tail = append(p.tail[:0], p.tail[1:]...)
	}
	p.tail = append(p.tail, line)
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	for _, w := range p.writers {
		_ = w.Close()
	}
	p.readers.Wait()
	// leftovers of the process group
	_ = signalGroup(p.cmd.Process.Pid, sigKill)

	p.result.Stopped = time.Now().UTC()
	p.result.State = p.cmd.ProcessState
	p.result.Err = err
	p.result.Cancelled = p.parent.Err() != nil
	p.result.TimedOut = !p.result.Cancelled && errors.Is(p.ctx.Err(), context.DeadlineExceeded)
	p.tailMx.Lock()
	p.result.Stderr = append([]string(nil), p.tail...)
	p.tailMx.Unlock()
	p.cancel()
	close(p.stopped)
}

// Wait waits for the process and all its output. It can be called many
// times and concurrently, all callers get the same Result. Output is
// discarded if Lines was never called.
func (p *Process) Wait() Result {
	p.linesOnce.Do(p.stopReading)
	<-p.stopped
	return p.result
}

// scanLines splits on \n and \r, progress bars redraw lines with \r
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		} else if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// \r\n may be split by a read
			return 0, nil, nil
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
