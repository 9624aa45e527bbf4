// Package custody keeps long-lived private keys in guarded, encrypted memory.
//
// A Key seals its secret with XChaCha20-Poly1305 inside an mmap'd arena whose
// data zone is bracketed by random canaries. The sealing key lives in a second
// arena. Both arenas are checked before every access and plaintext only exists
// for the duration of a Use callback.
package custody

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrAllocation          = errors.New("custody: secure memory allocation failed")
	ErrInvalidInput        = errors.New("custody: invalid input")
	ErrInsufficientEntropy = errors.New("custody: insufficient entropy")
	ErrMemoryCorruption    = errors.New("custody: memory corruption detected")
	ErrEncryption          = errors.New("custody: encryption failed")
	ErrDecryption          = errors.New("custody: decryption failed")
	ErrClosed              = errors.New("custody: key closed")
)

// Metrics receives custody failures for instrumentation.
type Metrics interface {
	RecordCustodyFailure(reason string)
}

// Info describes a key without exposing its contents.
type Info struct {
	Capacity  int
	Encrypted bool
	Locked    bool
}

// Option customises key construction.
type Option func(*config)

type config struct {
	protector Protector
	logger    *slog.Logger
	metrics   Metrics
	name      string
}

// WithProtector overrides the platform memory protector.
func WithProtector(p Protector) Option {
	return func(c *config) {
		if p != nil {
			c.protector = p
		}
	}
}

// WithLogger sets the logger used for degraded-protection warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics reports access failures to m.
func WithMetrics(m Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithName labels the key in log lines.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

type vault struct {
	mu        sync.Mutex
	refs      atomic.Int64
	sealed    *arena
	sealKey   *arena
	size      int
	destroyed bool
	cfg       config
}

// Key is a shareable handle to one custodied secret. Each handle obtained
// from New or Clone must be closed; the secret is destroyed when the last
// handle closes.
type Key struct {
	v        *vault
	released atomic.Bool
}

// New moves secret into protected memory. The caller's slice is zeroized
// whether or not construction succeeds.
func New(secret []byte, opts ...Option) (*Key, error) {
	defer wipe(secret)
	cfg := config{protector: DefaultProtector(), logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := CheckEntropy(secret); err != nil {
		return nil, err
	}

	sealKey, err := newArena(chacha20poly1305.KeySize, cfg.protector)
	if err != nil {
		return nil, err
	}
	if _, err := rand.Read(sealKey.data()); err != nil {
		_ = sealKey.release(cfg.protector)
		return nil, fmt.Errorf("%w: seal key: %v", ErrAllocation, err)
	}
	sealed, err := newArena(chacha20poly1305.NonceSizeX+len(secret)+chacha20poly1305.Overhead, cfg.protector)
	if err != nil {
		_ = sealKey.release(cfg.protector)
		return nil, err
	}
	v := &vault{sealed: sealed, sealKey: sealKey, size: len(secret), cfg: cfg}
	if err := v.seal(secret); err != nil {
		_ = v.destroy()
		return nil, err
	}
	if protectErr := errors.Join(sealKey.protectErr, sealed.protectErr); protectErr != nil {
		cfg.logger.Warn("custody: key memory protection degraded",
			slog.String("key", cfg.name),
			slog.Any("error", protectErr))
	}
	v.refs.Store(1)
	return newHandle(v), nil
}

func newHandle(v *vault) *Key {
	k := &Key{v: v}
	runtime.SetFinalizer(k, func(k *Key) { _ = k.Close() })
	return k
}

func (v *vault) seal(secret []byte) error {
	aead, err := chacha20poly1305.NewX(v.sealKey.data())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	zone := v.sealed.data()
	nonce := zone[:chacha20poly1305.NonceSizeX]
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}
	aead.Seal(zone[len(nonce):len(nonce)], nonce, secret, nil)
	return nil
}

// Use verifies both arenas, decrypts the secret into a transient buffer and
// passes it to fn. The buffer is zeroized before Use returns, including when
// fn panics. fn must not retain the slice.
func (k *Key) Use(fn func(secret []byte) error) error {
	if k == nil || k.v == nil || k.released.Load() {
		return ErrClosed
	}
	if fn == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidInput)
	}
	defer runtime.KeepAlive(k)
	v := k.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return ErrClosed
	}
	if err := v.sealKey.verify(); err != nil {
		v.fail("corruption")
		return err
	}
	if err := v.sealed.verify(); err != nil {
		v.fail("corruption")
		return err
	}
	aead, err := chacha20poly1305.NewX(v.sealKey.data())
	if err != nil {
		v.fail("decrypt")
		return fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	zone := v.sealed.data()
	buf := make([]byte, 0, v.size)
	defer func() { wipe(buf[:cap(buf)]) }()
	plain, err := aead.Open(buf, zone[:chacha20poly1305.NonceSizeX], zone[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		v.fail("decrypt")
		return ErrDecryption
	}
	return fn(plain)
}

// WithKey runs fn with the plaintext secret and returns its result.
func WithKey[R any](k *Key, fn func(secret []byte) R) (R, error) {
	var out R
	err := k.Use(func(secret []byte) error {
		out = fn(secret)
		return nil
	})
	return out, err
}

// Clone returns an additional handle sharing the same secret.
func (k *Key) Clone() (*Key, error) {
	if k == nil || k.v == nil || k.released.Load() {
		return nil, ErrClosed
	}
	v := k.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return nil, ErrClosed
	}
	v.refs.Add(1)
	return newHandle(v), nil
}

// Close releases this handle. Closing an already closed handle is a no-op.
func (k *Key) Close() error {
	if k == nil || k.v == nil || !k.released.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(k, nil)
	if k.v.refs.Add(-1) > 0 {
		return nil
	}
	return k.v.destroy()
}

// Info reports the key's protection state.
func (k *Key) Info() Info {
	if k == nil || k.v == nil {
		return Info{}
	}
	v := k.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return Info{}
	}
	return Info{
		Capacity:  v.size,
		Encrypted: true,
		Locked:    v.sealed.locked && v.sealKey.locked,
	}
}

func (v *vault) destroy() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return nil
	}
	v.destroyed = true
	return errors.Join(
		v.sealed.release(v.cfg.protector),
		v.sealKey.release(v.cfg.protector),
	)
}

func (v *vault) fail(reason string) {
	v.cfg.logger.Error("custody: key access failed",
		slog.String("key", v.cfg.name),
		slog.String("reason", reason))
	if v.cfg.metrics != nil {
		v.cfg.metrics.RecordCustodyFailure(reason)
	}
}
