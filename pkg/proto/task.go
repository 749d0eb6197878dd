package proto

import (
	"errors"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// task supervises one external process. Completion re-enters the core
// through the locked wrapper before onExit fires, so handlers mutate
// interface state safely.
type task struct {
	cmd     *exec.Cmd
	running bool
	onExit  func(code int)
}

func (t *task) start(dir string, argv []string, env []string, locked func(fn func())) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	if err := cmd.Start(); err != nil {
		return err
	}

	t.cmd = cmd
	t.running = true

	go func() {
		err := cmd.Wait()
		code := exitCode(err)
		run := func() {
			t.running = false
			t.cmd = nil
			if t.onExit != nil {
				t.onExit(code)
			}
		}
		if locked != nil {
			locked(run)
		} else {
			run()
		}
	}()
	return nil
}

func (t *task) kill(sig unix.Signal) {
	if !t.running || t.cmd == nil || t.cmd.Process == nil {
		return
	}
	_ = t.cmd.Process.Signal(sig)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
