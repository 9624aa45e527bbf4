package signature

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"claimindexer/chain/contracts"
)

type fakeProvider struct {
	code    []byte
	codeErr error
	result  []byte
	callErr error

	mu    sync.Mutex
	calls []ethereum.CallMsg
}

func (f *fakeProvider) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return f.code, f.codeErr
}

func (f *fakeProvider) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return f.result, f.callErr
}

type recordingMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *recordingMetrics) RecordValidation(path, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[path+"/"+result]++
}

func signMessage(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := gethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	return hexutil.Encode(sig)
}

func magicWord(magic [4]byte) []byte {
	word := make([]byte, 32)
	copy(word, magic[:])
	return word
}

func TestValidateEOA(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	account := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	other, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	provider := &fakeProvider{}
	message := "Approve deployment of xnode 42"
	sig := signMessage(t, key, message)

	require.True(t, Validate(context.Background(), provider, account, message, sig))
	require.False(t, Validate(context.Background(), provider, account, message+"!", sig))
	require.False(t, Validate(context.Background(), provider, gethcrypto.PubkeyToAddress(other.PublicKey).Hex(), message, sig))
	require.Empty(t, provider.calls)
}

func TestValidateAcceptsLegacyRecoveryID(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	account := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	raw, err := gethcrypto.Sign(accounts.TextHash([]byte("hello")), key)
	require.NoError(t, err)
	raw[64] += 27

	require.True(t, Validate(context.Background(), &fakeProvider{}, account, "hello", hexutil.Encode(raw)))
}

func TestValidateContractWallet(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	wallet := common.HexToAddress("0x84599c907B42e9bc21F9FE26D9e5A5D3747109D3")
	sig := signMessage(t, key, "claim")

	accepting := &fakeProvider{code: []byte{0x60, 0x80}, result: magicWord(contracts.ERC1271MagicValue)}
	require.True(t, Validate(context.Background(), accepting, wallet.Hex(), "claim", sig))
	require.Len(t, accepting.calls, 1)
	require.Equal(t, wallet, *accepting.calls[0].To)

	expected, err := contracts.PackIsValidSignature(common.BytesToHash(accounts.TextHash([]byte("claim"))), hexutil.MustDecode(sig)[:64])
	require.NoError(t, err)
	require.Equal(t, expected[:4], accepting.calls[0].Data[:4])

	rejecting := &fakeProvider{code: []byte{0x60}, result: magicWord([4]byte{0xff, 0xff, 0xff, 0xff})}
	require.False(t, Validate(context.Background(), rejecting, wallet.Hex(), "claim", sig))

	failing := &fakeProvider{code: []byte{0x60}, callErr: errors.New("execution reverted")}
	require.False(t, Validate(context.Background(), failing, wallet.Hex(), "claim", sig))

	short := &fakeProvider{code: []byte{0x60}, result: []byte{0x16}}
	require.False(t, Validate(context.Background(), short, wallet.Hex(), "claim", sig))
}

func TestValidateRejectsMalformedInput(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	account := gethcrypto.PubkeyToAddress(key.PublicKey)
	sig := signMessage(t, key, "m")
	provider := &fakeProvider{}

	require.False(t, Validate(context.Background(), provider, account.Hex(), "m", "not-a-signature"))
	require.False(t, Validate(context.Background(), provider, account.Hex(), "m", sig[:20]))
	require.False(t, Validate(context.Background(), provider, "0xABC", "m", sig))
	// Lowercase addresses are not checksummed.
	require.False(t, Validate(context.Background(), provider, "0x"+common.Bytes2Hex(account.Bytes()), "m", sig))
	require.False(t, Validate(context.Background(), nil, account.Hex(), "m", sig))
}

func TestValidateFailsClosedOnProviderError(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	account := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	provider := &fakeProvider{codeErr: errors.New("connection reset")}

	metrics := &recordingMetrics{}
	v := NewValidator(WithMetrics(metrics))
	require.False(t, v.Validate(context.Background(), provider, account, "m", signMessage(t, key, "m")))
	require.Equal(t, 1, metrics.results[PathInput+"/rejected"])
}

func TestParseSignature(t *testing.T) {
	raw := make([]byte, Length)
	raw[64] = 1
	sig, err := ParseSignature(hexutil.Encode(raw))
	require.NoError(t, err)
	require.Equal(t, byte(28), sig[64])

	raw[64] = 5
	_, err = ParseSignature(hexutil.Encode(raw))
	require.ErrorIs(t, err, ErrMalformedSignature)

	_, err = ParseSignature("zz")
	require.ErrorIs(t, err, ErrMalformedSignature)
}
