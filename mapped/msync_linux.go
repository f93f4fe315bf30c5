//go:build linux

package mapped

import (
	"syscall"
	"unsafe"
)

// msync wraps the raw msync(2) syscall; the higher-level syscall package
// does not expose a portable wrapper for it the way it does for mmap/munmap.
func msync(b []byte, flags int) error {
	if len(b) == 0 {
		return nil
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(flags))
	if errno != 0 {
		return errno
	}
	return nil
}
