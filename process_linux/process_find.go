//go:build linux

package process_linux

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"gopatch/process"
)

// LinuxProcessFinder implements process.ProcessFinder over /proc
type LinuxProcessFinder struct {
	root string
}

func NewProcessFinder() *LinuxProcessFinder {
	return &LinuxProcessFinder{root: "/proc"}
}

var _ process.ProcessFinder = (*LinuxProcessFinder)(nil)

// FindProcess returns the PID of the first attachable process named name
func FindProcess(name string) (process.ProcessID, error) {
	processes, err := NewProcessFinder().FindProcessByName(name)
	if err != nil {
		return 0, err
	}
	for _, p := range processes {
		if p.State.Attachable() {
			return p.PID, nil
		}
	}
	return 0, errors.Errorf("no process found with name '%s'", name)
}

func (f *LinuxProcessFinder) FindProcessByPID(pid process.ProcessID) (*process.ProcessInfo, error) {
	if _, err := os.Stat(filepath.Join(f.root, strconv.Itoa(int(pid)))); err != nil {
		return nil, errors.Errorf("process with PID %d does not exist", pid)
	}
	return f.processInfo(pid)
}

func (f *LinuxProcessFinder) FindProcessByName(name string) ([]process.ProcessInfo, error) {
	return f.findByNamePattern("^" + regexp.QuoteMeta(name) + "$")
}

func (f *LinuxProcessFinder) FindProcessByNamePattern(pattern string) ([]process.ProcessInfo, error) {
	return f.findByNamePattern(pattern)
}

func (f *LinuxProcessFinder) FindAllProcesses() ([]process.ProcessInfo, error) {
	return f.findByNamePattern("")
}

func (f *LinuxProcessFinder) findByNamePattern(pattern string) ([]process.ProcessInfo, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "invalid pattern")
	}

	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", f.root)
	}

	var results []process.ProcessInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		// the process may exit while we look at it
		info, err := f.processInfo(process.ProcessID(pid))
		if err != nil {
			continue
		}
		if re.MatchString(info.Name) {
			results = append(results, *info)
		}
	}

	return results, nil
}

func (f *LinuxProcessFinder) processInfo(pid process.ProcessID) (*process.ProcessInfo, error) {
	dir := filepath.Join(f.root, strconv.Itoa(int(pid)))

	name, err := os.ReadFile(filepath.Join(dir, "comm"))
	if err != nil {
		return nil, errors.Wrap(err, "read process name")
	}

	info := &process.ProcessInfo{
		PID:  pid,
		Name: strings.TrimSpace(string(name)),
	}

	// kernel threads have no exe
	info.Exe, _ = os.Readlink(filepath.Join(dir, "exe"))

	if cmdline, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		info.Cmdline = splitCmdline(cmdline)
	}

	if status, err := os.Open(filepath.Join(dir, "status")); err == nil {
		parseStatus(status, info)
		status.Close()
	}

	return info, nil
}

func splitCmdline(b []byte) []string {
	b = bytes.TrimSuffix(b, []byte{0})
	if len(b) == 0 {
		return nil
	}
	var out []string
	for _, arg := range bytes.Split(b, []byte{0}) {
		out = append(out, string(arg))
	}
	return out
}

// parseStatus fills the fields of info found in a /proc/<pid>/status file
func parseStatus(r io.Reader, info *process.ProcessInfo) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "PPid":
			if ppid, err := strconv.Atoi(value); err == nil {
				info.PPID = process.ProcessID(ppid)
			}
		case "State":
			if len(value) > 0 {
				info.State = process.ProcessState(value[:1])
			}
		case "Uid":
			// effective uid
			if fields := strings.Fields(value); len(fields) >= 2 {
				info.User = fmt.Sprintf("uid_%s", fields[1])
			}
		case "Threads":
			if threads, err := strconv.Atoi(value); err == nil {
				info.Threads = threads
			}
		case "VmRSS":
			fields := strings.Fields(value)
			if len(fields) == 0 {
				continue
			}
			if rss, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
				if len(fields) > 1 && fields[1] == "kB" {
					rss *= 1024
				}
				info.Memory = rss
			}
		}
	}
}
