//go:build !unix

package service

import (
	"os"
	"os/exec"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func setpgid(*exec.Cmd) {}

// signalGroup kills the process, there are no process groups to signal
func signalGroup(pid int, _ signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func isNoProcess(err error) bool {
	return false
}
