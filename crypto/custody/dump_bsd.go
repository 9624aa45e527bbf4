//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package custody

func excludeFromDump([]byte) error { return nil }
