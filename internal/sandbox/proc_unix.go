//go:build unix

package sandbox

import (
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

var platform processControl = groupControl{}

// groupControl places each child in its own process group and kills the
// entire group, so grandchildren spawned by compilers or build tools die too.
//
// When the child's stdin is the controlling terminal and this process owns
// the foreground, the child's group is made the foreground group for the
// duration of the run. A background group that reads the terminal is stopped
// with SIGTTIN.
type groupControl struct{}

func (groupControl) prepare(cmd *exec.Cmd) func() {
	attr := &syscall.SysProcAttr{Setpgid: true}
	release := func() {}
	if fd, pgrp, ok := foregroundTerminal(cmd.Stdin); ok {
		attr.Foreground = true
		attr.Ctty = fd
		release = func() { reclaimTerminal(fd, pgrp) }
	}
	cmd.SysProcAttr = attr
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid targets the group.
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if err == unix.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
	return release
}

func (groupControl) signaled(state *os.ProcessState) (string, bool) {
	if state == nil {
		return "", false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", false
	}
	name := unix.SignalName(ws.Signal())
	if name == "" {
		name = ws.Signal().String()
	}
	return name, true
}

// foregroundTerminal returns the descriptor behind in and this process's
// group when in is a terminal whose foreground group is ours.
func foregroundTerminal(in io.Reader) (fd, pgrp int, ok bool) {
	f, isFile := in.(*os.File)
	if !isFile || f == nil {
		return 0, 0, false
	}
	fd = int(f.Fd())
	fg, err := unix.IoctlGetInt(fd, unix.TIOCGPGRP)
	if err != nil {
		return 0, 0, false // not a terminal
	}
	pgrp = unix.Getpgrp()
	if fg != pgrp {
		return 0, 0, false
	}
	return fd, pgrp, true
}

// reclaimTerminal hands the terminal back to pgrp once the child is gone.
// tcsetpgrp from a background group raises SIGTTOU unless it is ignored.
func reclaimTerminal(fd, pgrp int) {
	if !signal.Ignored(unix.SIGTTOU) {
		signal.Ignore(unix.SIGTTOU)
		defer signal.Reset(unix.SIGTTOU)
	}
	_ = unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, pgrp)
}
