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
