//go:build windows

package process

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// Windows console operation lock to prevent race conditions
var consoleOperationLock sync.Mutex

// SendTerminationSignal delivers Ctrl+Break to the child's process group.
func SendTerminationSignal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}

	consoleOperationLock.Lock()
	defer consoleOperationLock.Unlock()

	dll, err := syscall.LoadDLL("kernel32.dll")
	if err != nil {
		return fmt.Errorf("failed to load kernel32.dll: %v", err)
	}
	defer dll.Release()

	proc, err := dll.FindProc("GenerateConsoleCtrlEvent")
	if err != nil {
		return err
	}
	result, _, err := proc.Call(uintptr(syscall.CTRL_BREAK_EVENT), uintptr(pid))
	if result == 0 {
		return fmt.Errorf("failed to send Ctrl+Break to PID %d: %v", pid, err)
	}
	return nil
}

func KillProcessGroup(p *os.Process) error {
	return p.Kill()
}
