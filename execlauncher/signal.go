package execlauncher

import "syscall"

// signalFor maps a POSIX signal number to an os.Signal value.
func signalFor(sig int) syscall.Signal {
	return syscall.Signal(sig)
}
