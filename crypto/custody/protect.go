package custody

// Protector pins key memory and keeps it out of core dumps. Failures are
// reported to the caller, which treats them as a degraded but usable state.
type Protector interface {
	Lock(b []byte) error
	Unlock(b []byte) error
	ExcludeFromDump(b []byte) error
}

// NoopProtector performs no OS level protection.
type NoopProtector struct{}

func (NoopProtector) Lock([]byte) error            { return nil }
func (NoopProtector) Unlock([]byte) error          { return nil }
func (NoopProtector) ExcludeFromDump([]byte) error { return nil }

// DefaultProtector returns the platform protector.
func DefaultProtector() Protector { return osProtector{} }
