//go:build unix

package component

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecLauncher starts components as child processes in their own process
// group, so stopping one also stops anything it spawned.
type ExecLauncher struct {
	// Post delivers exit notifications onto the loop.
	Post   func(func())
	Logger *slog.Logger
}

type execProcess struct {
	cmd  *exec.Cmd
	once sync.Once
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Stop() error {
	var err error
	p.once.Do(func() {
		err = unix.Kill(-p.cmd.Process.Pid, unix.SIGTERM)
		if errors.Is(err, unix.ESRCH) {
			err = nil
		}
	})
	return err
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(line string, exited func(error)) (Process, error) {
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return nil, errors.New("empty exec line")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	p := &execProcess{cmd: cmd}

	go func() {
		err := cmd.Wait()
		if l.Logger != nil {
			l.Logger.Debug("component process reaped", "pid", cmd.Process.Pid, "error", err)
		}
		if l.Post != nil {
			l.Post(func() { exited(err) })
		}
	}()
	return p, nil
}
