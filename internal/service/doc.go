// Package service runs the downloads of mediagate.
//
// Overview
// The Scheduler owns the job lifecycle. Submit stores a pending job and
// puts its id into a FIFO queue, Do takes ids from the queue and starts
// each job once one of N slots is free. A job moves
// pending -> downloading -> completed | failed | cancelled and never back.
//
// The Executor picks a download tool for a job (yt-dlp for platforms,
// ffmpeg for manifests and plain media files), builds its argument vector
// from validated values only and verifies the produced file.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process in its own process group
//   - exposes stdout and stderr as a single lazy sequence of lines
//   - keeps a redacted tail of stderr for logging
//   - terminates the whole process tree on cancel or timeout
//
// Data flow:
//
//	Scheduler             Executor                Runner{cmd}
//	    |                    |                       |
//	Submit -> queue          |                       |
//	    | Do: slot --------->| Run() --------------->| Start()
//	    |                    |<----- Lines() --------| stdout, stderr
//	    |<---- Event --------| Classifier            |
//	    |                    |<----- Wait() ---------| (process exits)
//	    |<---- Output -------| verify                |
//
// The Sweeper removes expired outputs on a gocron schedule and the
// Supervisor runs all of them together with the HTTP server.
//
// Invariants:
//   - At most N jobs are downloading at a time.
//   - A slot is released only after the process has exited.
//   - Nothing from a request reaches a shell or the tool environment.
//   - Raw stderr is never stored on a job.
package service
