//go:build linux || freebsd || openbsd || netbsd || solaris

package database

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func mmapFile(fd uintptr, offset int64, length int, prot, flags int) ([]byte, error) {
	return syscall.Mmap(int(fd), offset, length, prot, flags)
}

func unmapFile(data []byte) error {
	return syscall.Munmap(data)
}

func fallocateFile(fd uintptr, offset int64, length int64) error {
	return syscall.Fallocate(int(fd), 0, offset, length)
}

func pwriteFile(fd uintptr, data []byte, offset int64) (int, error) {
	return syscall.Pwrite(int(fd), data, offset)
}

// lockFileExclusive takes an advisory, non-blocking exclusive lock on fd
// so two processes cannot open the same base file concurrently.
func lockFileExclusive(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}

// syncRange issues fdatasync on the given file.
func syncRange(fd uintptr) error {
	return unix.Fdatasync(int(fd))
}
