// Package signature decides whether an on-chain account authorized a text
// message. Externally owned accounts are checked by EIP-191 signer recovery;
// contract accounts are asked through ERC-1271 isValidSignature.
package signature

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"claimindexer/chain/contracts"
)

// Length of an r || s || v signature.
const Length = 65

var (
	ErrMalformedSignature = errors.New("signature: malformed signature")
	ErrMalformedAccount   = errors.New("signature: account is not a checksummed address")
)

// Provider is the subset of the Ethereum RPC used for validation.
// *ethclient.Client satisfies it.
type Provider interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Metrics records validation outcomes.
type Metrics interface {
	RecordValidation(path, result string)
}

// Validation paths reported to Metrics.
const (
	PathEOA      = "eoa"
	PathContract = "contract"
	PathInput    = "input"
)

// Validator is stateless apart from its logger and metrics and is safe for
// concurrent use.
type Validator struct {
	logger  *slog.Logger
	metrics Metrics
}

// Option customises a Validator.
type Option func(*Validator)

// WithLogger overrides the logger used for rejected validations.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithMetrics records every outcome in m.
func WithMetrics(m Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// NewValidator constructs a Validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate reports whether account signed message using the default validator.
func Validate(ctx context.Context, provider Provider, account, message, signature string) bool {
	return NewValidator().Validate(ctx, provider, account, message, signature)
}

// Validate reports whether account authorized message. Every failure,
// including provider errors, yields false.
func (v *Validator) Validate(ctx context.Context, provider Provider, account, message, signature string) (ok bool) {
	path := PathInput
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("signature validation panicked", slog.Any("panic", r))
			ok = false
		}
		v.record(path, ok)
	}()

	sig, err := ParseSignature(signature)
	if err != nil {
		v.reject(path, account, err)
		return false
	}
	addr, err := ParseChecksummed(account)
	if err != nil {
		v.reject(path, account, err)
		return false
	}
	if provider == nil {
		v.reject(path, account, errors.New("provider not configured"))
		return false
	}
	code, err := provider.CodeAt(ctx, addr, nil)
	if err != nil {
		v.reject(path, account, fmt.Errorf("get code: %w", err))
		return false
	}
	hash := common.BytesToHash(accounts.TextHash([]byte(message)))
	if len(code) == 0 {
		path = PathEOA
		recovered, err := RecoverSigner(hash, sig)
		if err != nil {
			v.reject(path, account, err)
			return false
		}
		return recovered.Hex() == account
	}
	path = PathContract
	magic, err := isValidSignature(ctx, provider, addr, hash, sig)
	if err != nil {
		v.reject(path, account, err)
		return false
	}
	return magic == contracts.ERC1271MagicValue
}

// ParseSignature decodes a hex r || s || v signature with an optional 0x
// prefix. v may be 0, 1, 27 or 28; the result always carries 27 or 28.
func ParseSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	sig, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrMalformedSignature)
	}
	if len(sig) != Length {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, Length, len(sig))
	}
	switch sig[64] {
	case 0, 1:
		sig[64] += 27
	case 27, 28:
	default:
		return nil, fmt.Errorf("%w: invalid recovery id %d", ErrMalformedSignature, sig[64])
	}
	return sig, nil
}

// ParseChecksummed parses an address that must already be in EIP-55 form.
func ParseChecksummed(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) || !strings.HasPrefix(raw, "0x") {
		return common.Address{}, ErrMalformedAccount
	}
	addr := common.HexToAddress(raw)
	if addr.Hex() != raw {
		return common.Address{}, ErrMalformedAccount
	}
	return addr, nil
}

// RecoverSigner returns the address whose key produced sig over hash.
func RecoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != Length {
		return common.Address{}, ErrMalformedSignature
	}
	normalised := make([]byte, Length)
	copy(normalised, sig)
	if normalised[64] >= 27 {
		normalised[64] -= 27
	}
	pub, err := gethcrypto.SigToPub(hash.Bytes(), normalised)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}

func isValidSignature(ctx context.Context, provider Provider, account common.Address, hash common.Hash, sig []byte) ([4]byte, error) {
	calldata, err := contracts.PackIsValidSignature(hash, sig)
	if err != nil {
		return [4]byte{}, err
	}
	output, err := provider.CallContract(ctx, ethereum.CallMsg{To: &account, Data: calldata}, nil)
	if err != nil {
		return [4]byte{}, fmt.Errorf("call isValidSignature: %w", err)
	}
	return contracts.UnpackMagicValue(output)
}

func (v *Validator) reject(path, account string, err error) {
	v.logger.Debug("signature rejected",
		slog.String("path", path),
		slog.String("account", account),
		slog.Any("error", err))
}

func (v *Validator) record(path string, ok bool) {
	if v.metrics == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
	}
	v.metrics.RecordValidation(path, result)
}
