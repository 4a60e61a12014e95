//go:build !linux

package pool

import "syscall"

// sysProcAttr returns nil; workers rely on request channel EOF to exit when
// the controller dies.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
