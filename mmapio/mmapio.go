// Package mmapio wraps the open/stat/mmap/madvise/fadvise/mlock/munmap
// primitives used by the partitioner and scanner to walk a FASTA file
// without reading it through a buffered stream. Every call here is a thin
// pass-through to golang.org/x/sys/unix; callers own the returned byte
// slices and must Unmap them exactly once.
package mmapio

import (
	"os"

	"github.com/grailbio/base/errors"
	"golang.org/x/sys/unix"
)

// PageSize is the system's memory page size, used by the partitioner to
// align partition boundaries and by the scanner to align scan windows.
var PageSize = os.Getpagesize()

// OpenReadOnly opens path for mapping. The caller must Close the returned
// file once all of its mappings have been released.
func OpenReadOnly(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "mmapio: open")
	}
	return f, nil
}

// Size returns the size in bytes of the file backing f.
func Size(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, errors.E(err, "mmapio: stat")
	}
	return fi.Size(), nil
}

// Map maps the region [offset, offset+length) of f read-only and private.
// offset must be a multiple of PageSize.
func Map(f *os.File, offset int64, length int) ([]byte, error) {
	if offset%int64(PageSize) != 0 {
		return nil, errors.E(errors.Invalid, "mmapio: offset not page-aligned", errors.Errorf("offset=%d", offset))
	}
	b, err := unix.Mmap(int(f.Fd()), offset, length, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.E(err, "mmapio: mmap")
	}
	return b, nil
}

// Unmap releases a mapping previously returned by Map.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return errors.E(err, "mmapio: munmap")
	}
	return nil
}

// AdviseSequential tells the kernel the mapping will be read sequentially
// and will be needed soon. Failures are never fatal: the scan proceeds at
// ordinary page-fault speed.
func AdviseSequential(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Madvise(b, unix.MADV_SEQUENTIAL|unix.MADV_WILLNEED); err != nil {
		return errors.E(err, "mmapio: madvise")
	}
	return nil
}

// FadviseSequential issues the file-level equivalent of AdviseSequential,
// plus NOREUSE, over [offset, offset+length) of f. Best-effort.
func FadviseSequential(f *os.File, offset int64, length int) error {
	if err := unix.Fadvise(int(f.Fd()), offset, int64(length), unix.FADV_SEQUENTIAL); err != nil {
		return errors.E(err, "mmapio: fadvise sequential")
	}
	if err := unix.Fadvise(int(f.Fd()), offset, int64(length), unix.FADV_WILLNEED); err != nil {
		return errors.E(err, "mmapio: fadvise willneed")
	}
	if err := unix.Fadvise(int(f.Fd()), offset, int64(length), unix.FADV_NOREUSE); err != nil {
		return errors.E(err, "mmapio: fadvise noreuse")
	}
	return nil
}

// Lock best-effort locks the mapping's pages into RAM. Failure (e.g. because
// the process is over RLIMIT_MEMLOCK) is logged by the caller, never fatal.
func Lock(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Mlock(b); err != nil {
		return errors.E(err, "mmapio: mlock")
	}
	return nil
}

// Unlock releases a lock previously taken by Lock. Best-effort, like Lock.
func Unlock(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munlock(b); err != nil {
		return errors.E(err, "mmapio: munlock")
	}
	return nil
}
