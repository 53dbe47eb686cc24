package main

import (
	"gopatch/process"
	"gopatch/process_linux"
)

func getProcess(pid int) (process.Process, error) {
	return process_linux.NewWithPID(process.ProcessID(pid))
}

func findProcess(name string) (process.ProcessID, error) {
	return process_linux.FindProcess(name)
}

func processName(pid int) string {
	info, err := process_linux.NewProcessFinder().FindProcessByPID(process.ProcessID(pid))
	if err != nil {
		return ""
	}
	return info.Name
}
