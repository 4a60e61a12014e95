//go:build linux

package pool

import "syscall"

// sysProcAttr makes the kernel kill a worker when the controller dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
