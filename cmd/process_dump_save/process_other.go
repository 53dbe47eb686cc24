//go:build !linux && !windows

package main

import (
	"github.com/pkg/errors"

	"gopatch/memory"
	"gopatch/process"
)

func getProcess(pid int) (process.Process, error) {
	return nil, errors.Wrapf(memory.ErrNotSupported, "attach to %d", pid)
}

func findProcess(name string) (process.ProcessID, error) {
	return 0, errors.Wrapf(memory.ErrNotSupported, "find %s", name)
}

func processName(pid int) string {
	return ""
}
