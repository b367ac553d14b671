package component

// Process is a launched component process.
type Process interface {
	Pid() int
	Stop() error
}

// Launcher starts component processes. exited runs on the loop when the
// process terminates.
type Launcher interface {
	Launch(exec string, exited func(error)) (Process, error)
}
