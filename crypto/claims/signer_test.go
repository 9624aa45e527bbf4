package claims

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"claimindexer/crypto/custody"
)

var claimerContract = common.HexToAddress("0xc749169dB9C231E1797Aa9cD7f5B7a88AeD25b08")

func newTestSigner(t *testing.T) (*Signer, common.Address) {
	t.Helper()
	prv, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	key, err := custody.New(gethcrypto.FromECDSA(prv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = key.Close() })

	signer, err := NewSigner(key, NewDomain(big.NewInt(8453), claimerContract))
	require.NoError(t, err)
	return signer, gethcrypto.PubkeyToAddress(prv.PublicKey)
}

// manualHash encodes the claim digest by hand to cross-check the typed data path.
func manualHash(domain Domain, claim Claim) common.Hash {
	pad := func(b []byte) []byte { return common.LeftPadBytes(b, 32) }
	domainType := gethcrypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	separator := gethcrypto.Keccak256(
		domainType,
		gethcrypto.Keccak256([]byte(domain.Name)),
		gethcrypto.Keccak256([]byte(domain.Version)),
		pad(domain.ChainID.Bytes()),
		pad(domain.VerifyingContract.Bytes()),
	)
	claimType := gethcrypto.Keccak256([]byte("Claim(address claimer,uint256 total)"))
	structHash := gethcrypto.Keccak256(claimType, pad(claim.Claimer.Bytes()), pad(claim.Total.Bytes()))
	return gethcrypto.Keccak256Hash([]byte{0x19, 0x01}, separator, structHash)
}

func TestClaimHashMatchesManualEncoding(t *testing.T) {
	signer, _ := newTestSigner(t)
	claim := Claim{
		Claimer: common.HexToAddress("0x84599c907B42e9bc21F9FE26D9e5A5D3747109D3"),
		Total:   new(big.Int).Mul(big.NewInt(9_708_700), big.NewInt(1_000_000_000_000)),
	}
	hash, err := signer.ClaimHash(claim)
	require.NoError(t, err)
	require.Equal(t, manualHash(signer.Domain(), claim), hash)
}

func TestSignClaimRecoversSigner(t *testing.T) {
	signer, address := newTestSigner(t)
	require.Equal(t, address, signer.Address())

	claim := Claim{Claimer: address, Total: big.NewInt(1_000)}
	sig, err := signer.SignClaim(claim)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])

	hash, err := signer.ClaimHash(claim)
	require.NoError(t, err)
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	pub, err := gethcrypto.SigToPub(hash.Bytes(), raw)
	require.NoError(t, err)
	require.Equal(t, address, gethcrypto.PubkeyToAddress(*pub))
}

func TestClaimHashDomainSeparated(t *testing.T) {
	claim := Claim{Claimer: claimerContract, Total: big.NewInt(5)}
	base, err := TypedHash(NewDomain(big.NewInt(8453), claimerContract), claim)
	require.NoError(t, err)
	otherChain, err := TypedHash(NewDomain(big.NewInt(1), claimerContract), claim)
	require.NoError(t, err)
	require.NotEqual(t, base, otherChain)

	_, err = TypedHash(NewDomain(big.NewInt(1), claimerContract), Claim{Claimer: claimerContract, Total: big.NewInt(-1)})
	require.ErrorIs(t, err, ErrInvalidClaim)
	_, err = TypedHash(NewDomain(big.NewInt(1), claimerContract), Claim{Total: big.NewInt(1)})
	require.ErrorIs(t, err, ErrInvalidClaim)
	_, err = TypedHash(NewDomain(nil, claimerContract), claim)
	require.ErrorIs(t, err, ErrInvalidClaim)
	_, err = TypedHash(Domain{Name: DomainName, Version: DomainVersion, VerifyingContract: claimerContract}, claim)
	require.ErrorIs(t, err, ErrInvalidClaim)
}

func TestNewClaimWidensLedgerTotal(t *testing.T) {
	claim, err := NewClaim(claimerContract, 9_708_700)
	require.NoError(t, err)
	require.Equal(t, claimerContract, claim.Claimer)
	require.Equal(t, "9708700000000000000", claim.Total.String())

	_, err = NewClaim(claimerContract, -1)
	require.ErrorIs(t, err, ErrInvalidClaim)
}

func TestSignTransaction(t *testing.T) {
	signer, address := newTestSigner(t)
	chainID := big.NewInt(8453)
	to := common.HexToAddress("0x84599c907B42e9bc21F9FE26D9e5A5D3747109D3")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1_000_000),
		GasFeeCap: big.NewInt(2_000_000_000),
		Gas:       90_000,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      []byte{0x40, 0xc1, 0x0f, 0x19},
	})

	signed, err := signer.SignTransaction(tx, chainID)
	require.NoError(t, err)
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	require.Equal(t, address, sender)
}

func TestSignerRequiresOpenKey(t *testing.T) {
	_, err := NewSigner(nil, NewDomain(big.NewInt(1), claimerContract))
	require.ErrorIs(t, err, ErrNilKey)

	prv, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	key, err := custody.New(gethcrypto.FromECDSA(prv))
	require.NoError(t, err)
	signer, err := NewSigner(key, NewDomain(big.NewInt(1), claimerContract))
	require.NoError(t, err)
	require.NoError(t, key.Close())

	_, err = signer.SignClaim(Claim{Claimer: claimerContract, Total: big.NewInt(1)})
	require.ErrorIs(t, err, custody.ErrClosed)
}
