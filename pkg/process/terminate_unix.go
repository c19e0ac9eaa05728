//go:build !windows

package process

import (
	"os"

	"golang.org/x/sys/unix"
)

// SendTerminationSignal sends SIGTERM to the process group led by pid.
func SendTerminationSignal(pid int) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

// KillProcessGroup sends SIGKILL to the group, falling back to the process
// itself if the group is already gone.
func KillProcessGroup(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return p.Kill()
	}
	return nil
}
