// Package crypto loads secp256k1 key material from the environment, files and
// v3 keystores before it is moved into custody.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeyLength is the size of a raw secp256k1 private key.
const PrivateKeyLength = 32

var ErrInvalidKey = errors.New("crypto: invalid private key")

// ParsePrivateKeyHex decodes a 64 character hex key, optionally prefixed with
// 0x, and checks that it is a valid secp256k1 scalar. The returned slice is
// owned by the caller, who should hand it to custody.New which wipes it.
func ParsePrivateKeyHex(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	switch len(trimmed) {
	case 2 * PrivateKeyLength:
	case 2*PrivateKeyLength + 2:
		if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
			return nil, fmt.Errorf("%w: 66 character key must start with 0x", ErrInvalidKey)
		}
		trimmed = trimmed[2:]
	default:
		return nil, fmt.Errorf("%w: expected 64 or 66 hex characters, got %d", ErrInvalidKey, len(trimmed))
	}
	key, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidKey)
	}
	if _, err := crypto.ToECDSA(key); err != nil {
		clear(key)
		return nil, fmt.Errorf("%w: not a secp256k1 scalar", ErrInvalidKey)
	}
	return key, nil
}

// AddressOf derives the address of a raw private key without retaining it.
func AddressOf(key []byte) (common.Address, error) {
	prv, err := crypto.ToECDSA(key)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer clear(prv.D.Bits())
	return crypto.PubkeyToAddress(prv.PublicKey), nil
}
