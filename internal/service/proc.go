package service

import (
	"errors"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// descendants returns the whole process tree under pid, children first
func descendants(pid int) []*process.Process {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var ret []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		ret = append(ret, children...)
		queue = append(queue, children...)
	}
	return ret
}

// terminate sends SIGTERM to the process group and every descendant, which
// may have left the group. It is the Cancel function of exec.Cmd.
func terminate(pid int) error {
	tree := descendants(pid)
	err := signalGroup(pid, sigTerm)
	for _, p := range tree {
		_ = p.Terminate()
	}
	if err != nil && processGone(err) {
		return os.ErrProcessDone
	}
	return err
}

func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || isNoProcess(err)
}
