package process

type ProcessID int

// ProcessState is the one-letter scheduler state from /proc/<pid>/status.
// Windows finders leave it empty.
type ProcessState string

const (
	ProcessRunning  ProcessState = "R"
	ProcessSleeping ProcessState = "S"
	ProcessWaiting  ProcessState = "D"
	ProcessStopped  ProcessState = "T"
	ProcessTracing  ProcessState = "t"
	ProcessZombie   ProcessState = "Z"
	ProcessDead     ProcessState = "X"
)

// Attachable reports whether the process still has an address space to
// read and patch. Zombies and dead processes have none.
func (s ProcessState) Attachable() bool {
	return s != ProcessZombie && s != ProcessDead
}

// ProcessInfo is what a ProcessFinder knows about a candidate target
type ProcessInfo struct {
	PID     ProcessID
	PPID    ProcessID
	Name    string // comm on Linux, image name on Windows
	Exe     string
	Cmdline []string
	State   ProcessState
	User    string
	Threads int
	Memory  uint64 // resident set size in bytes
}
