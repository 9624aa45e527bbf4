//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package custody

import "golang.org/x/sys/unix"

func allocate(size int) ([]byte, bool, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, err
	}
	return region, true, nil
}

func free(region []byte) error {
	return unix.Munmap(region)
}

type osProtector struct{}

func (osProtector) Lock(b []byte) error   { return unix.Mlock(b) }
func (osProtector) Unlock(b []byte) error { return unix.Munlock(b) }

func (osProtector) ExcludeFromDump(b []byte) error { return excludeFromDump(b) }
