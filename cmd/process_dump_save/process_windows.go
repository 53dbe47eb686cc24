package main

import (
	"gopatch/process"
	"gopatch/process_windows"
)

func getProcess(pid int) (process.Process, error) {
	return process_windows.NewWithPID(process.ProcessID(pid))
}

func findProcess(name string) (process.ProcessID, error) {
	return process_windows.FindProcess(name)
}

func processName(pid int) string {
	info, err := process_windows.NewProcessFinder().FindProcessByPID(process.ProcessID(pid))
	if err != nil {
		return ""
	}
	return info.Name
}
