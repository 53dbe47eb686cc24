//go:build windows

package process_windows

import (
	"regexp"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"gopatch/process"
)

// WindowsProcessFinder implements process.ProcessFinder over a toolhelp snapshot
type WindowsProcessFinder struct{}

func NewProcessFinder() *WindowsProcessFinder {
	return &WindowsProcessFinder{}
}

var _ process.ProcessFinder = (*WindowsProcessFinder)(nil)

// FindProcess returns the PID of the first process named name
func FindProcess(name string) (process.ProcessID, error) {
	processes, err := NewProcessFinder().FindProcessByName(name)
	if err != nil {
		return 0, err
	}
	if len(processes) == 0 {
		return 0, errors.Errorf("no process found with name '%s'", name)
	}
	return processes[0].PID, nil
}

func (f *WindowsProcessFinder) FindProcessByPID(pid process.ProcessID) (*process.ProcessInfo, error) {
	all, err := f.FindAllProcesses()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].PID == pid {
			return &all[i], nil
		}
	}
	return nil, errors.Errorf("process with PID %d does not exist", pid)
}

func (f *WindowsProcessFinder) FindProcessByName(name string) ([]process.ProcessInfo, error) {
	return f.FindProcessByNamePattern("(?i)^" + regexp.QuoteMeta(name) + "$")
}

func (f *WindowsProcessFinder) FindProcessByNamePattern(pattern string) ([]process.ProcessInfo, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "invalid pattern")
	}

	all, err := f.FindAllProcesses()
	if err != nil {
		return nil, err
	}

	var results []process.ProcessInfo
	for _, info := range all {
		if re.MatchString(info.Name) {
			results = append(results, info)
		}
	}
	return results, nil
}

func (f *WindowsProcessFinder) FindAllProcesses() ([]process.ProcessInfo, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, errors.Wrap(err, "CreateToolhelp32Snapshot")
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var results []process.ProcessInfo
	for err = windows.Process32First(snapshot, &entry); err == nil; err = windows.Process32Next(snapshot, &entry) {
		results = append(results, process.ProcessInfo{
			PID:     process.ProcessID(entry.ProcessID),
			PPID:    process.ProcessID(entry.ParentProcessID),
			Name:    windows.UTF16ToString(entry.ExeFile[:]),
			Threads: int(entry.Threads),
		})
	}
	if err != windows.ERROR_NO_MORE_FILES {
		return nil, errors.Wrap(err, "Process32Next")
	}

	return results, nil
}
