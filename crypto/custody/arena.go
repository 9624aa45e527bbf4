package custody

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"runtime"
)

// CanarySize is the width of each guard value bracketing a data zone.
const CanarySize = 16

// arena is one allocation laid out as [start canary][data zone][end canary].
// The remainder of the last page is left unused.
type arena struct {
	region  []byte
	dataLen int
	start   [CanarySize]byte
	end     [CanarySize]byte
	locked  bool
	mapped  bool

	// protectErr records a failed lock or dump exclusion request.
	protectErr error
}

func newArena(dataLen int, protector Protector) (*arena, error) {
	if dataLen <= 0 {
		return nil, fmt.Errorf("%w: data zone must be positive", ErrInvalidInput)
	}
	size := pageRound(dataLen + 2*CanarySize)
	region, mapped, err := allocate(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	a := &arena{region: region, dataLen: dataLen, mapped: mapped}
	if _, err := rand.Read(a.start[:]); err != nil {
		_ = a.release(protector)
		return nil, fmt.Errorf("%w: canary: %v", ErrAllocation, err)
	}
	if _, err := rand.Read(a.end[:]); err != nil {
		_ = a.release(protector)
		return nil, fmt.Errorf("%w: canary: %v", ErrAllocation, err)
	}
	copy(a.startGuard(), a.start[:])
	copy(a.endGuard(), a.end[:])

	if err := protector.Lock(a.region); err != nil {
		a.protectErr = fmt.Errorf("lock: %w", err)
	} else {
		a.locked = true
	}
	if err := protector.ExcludeFromDump(a.region); err != nil {
		a.protectErr = errors.Join(a.protectErr, fmt.Errorf("exclude from dump: %w", err))
	}
	return a, nil
}

func (a *arena) startGuard() []byte { return a.region[:CanarySize] }

func (a *arena) data() []byte {
	return a.region[CanarySize : CanarySize+a.dataLen : CanarySize+a.dataLen]
}

func (a *arena) endGuard() []byte {
	offset := CanarySize + a.dataLen
	return a.region[offset : offset+CanarySize]
}

// verify compares both guard zones with their recorded values in constant time.
func (a *arena) verify() error {
	ok := subtle.ConstantTimeCompare(a.startGuard(), a.start[:]) &
		subtle.ConstantTimeCompare(a.endGuard(), a.end[:])
	if ok != 1 {
		return ErrMemoryCorruption
	}
	return nil
}

// release zeroizes the region and both recorded canaries, unlocks and frees.
func (a *arena) release(protector Protector) error {
	if a == nil || a.region == nil {
		return nil
	}
	wipe(a.region)
	wipe(a.start[:])
	wipe(a.end[:])
	var err error
	if a.locked {
		if unlockErr := protector.Unlock(a.region); unlockErr != nil {
			err = unlockErr
		}
		a.locked = false
	}
	if a.mapped {
		if freeErr := free(a.region); freeErr != nil && err == nil {
			err = freeErr
		}
	}
	a.region = nil
	return err
}

func pageRound(n int) int {
	page := os.Getpagesize()
	return (n + page - 1) / page * page
}

func wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
