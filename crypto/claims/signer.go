// Package claims signs claim authorizations and mint transactions with keys
// held by the custody package. Raw key bytes never leave a custody callback.
package claims

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"claimindexer/chain/units"
	"claimindexer/crypto/custody"
)

const (
	// DomainName is the EIP-712 domain name the claimer contract verifies.
	DomainName    = "OpenxAIClaiming"
	DomainVersion = "1"
)

var (
	ErrNilKey       = errors.New("claims: custody key required")
	ErrInvalidClaim = errors.New("claims: invalid claim")
)

// Domain is the EIP-712 domain separating claim signatures.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain returns the claimer domain for a chain and contract.
func NewDomain(chainID *big.Int, claimer common.Address) Domain {
	d := Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		VerifyingContract: claimer,
	}
	if chainID != nil {
		d.ChainID = new(big.Int).Set(chainID)
	}
	return d
}

// Claim authorizes claimer to withdraw up to total tokens (18 decimals).
type Claim struct {
	Claimer common.Address
	Total   *big.Int
}

// NewClaim builds a claim from a ledger total, widening it to token precision.
func NewClaim(claimer common.Address, ledgerTotal int64) (Claim, error) {
	total, err := units.ToChain(ledgerTotal)
	if err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrInvalidClaim, err)
	}
	return Claim{Claimer: claimer, Total: total.ToBig()}, nil
}

// Signer produces claim signatures and signed transactions.
type Signer struct {
	key     *custody.Key
	domain  Domain
	address common.Address
}

// NewSigner binds a custodied secp256k1 key to a domain.
func NewSigner(key *custody.Key, domain Domain) (*Signer, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	if domain.ChainID == nil || domain.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("claims: chain id must be positive")
	}
	s := &Signer{key: key, domain: domain}
	err := key.Use(func(secret []byte) error {
		prv, err := gethcrypto.ToECDSA(secret)
		if err != nil {
			return fmt.Errorf("claims: parse custody key: %w", err)
		}
		defer zeroKey(prv)
		s.address = gethcrypto.PubkeyToAddress(prv.PublicKey)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address { return s.address }

// Domain returns the EIP-712 domain the signer uses.
func (s *Signer) Domain() Domain { return s.domain }

// ClaimHash returns the EIP-712 digest of claim.
func (s *Signer) ClaimHash(claim Claim) (common.Hash, error) {
	return TypedHash(s.domain, claim)
}

// SignClaim signs the EIP-712 digest of claim. The signature is r || s || v
// with v in {27, 28}.
func (s *Signer) SignClaim(claim Claim) ([]byte, error) {
	hash, err := s.ClaimHash(claim)
	if err != nil {
		return nil, err
	}
	return s.SignHash(hash)
}

// SignHash signs a 32-byte digest with the custodied key.
func (s *Signer) SignHash(hash common.Hash) ([]byte, error) {
	var sig []byte
	err := s.key.Use(func(secret []byte) error {
		prv, err := gethcrypto.ToECDSA(secret)
		if err != nil {
			return fmt.Errorf("claims: parse custody key: %w", err)
		}
		defer zeroKey(prv)
		sig, err = gethcrypto.Sign(hash.Bytes(), prv)
		return err
	})
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignTransaction signs tx for chainID, typically a mint call from the
// minter key.
func (s *Signer) SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("claims: nil transaction")
	}
	if chainID == nil {
		chainID = s.domain.ChainID
	}
	var signed *types.Transaction
	err := s.key.Use(func(secret []byte) error {
		prv, err := gethcrypto.ToECDSA(secret)
		if err != nil {
			return fmt.Errorf("claims: parse custody key: %w", err)
		}
		defer zeroKey(prv)
		signed, err = types.SignTx(tx, types.LatestSignerForChainID(chainID), prv)
		return err
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// TypedHash computes the EIP-712 digest of Claim(address claimer,uint256 total).
func TypedHash(domain Domain, claim Claim) (common.Hash, error) {
	if domain.ChainID == nil || domain.ChainID.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("%w: chain id must be positive", ErrInvalidClaim)
	}
	if claim.Total == nil || claim.Total.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("%w: total must be non-negative", ErrInvalidClaim)
	}
	if (claim.Claimer == common.Address{}) {
		return common.Hash{}, fmt.Errorf("%w: claimer required", ErrInvalidClaim)
	}
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Claim": {
				{Name: "claimer", Type: "address"},
				{Name: "total", Type: "uint256"},
			},
		},
		PrimaryType: "Claim",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"claimer": claim.Claimer.Hex(),
			"total":   new(big.Int).Set(claim.Total),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("claims: hash typed data: %w", err)
	}
	return common.BytesToHash(digest), nil
}

func zeroKey(prv *ecdsa.PrivateKey) {
	if prv == nil || prv.D == nil {
		return
	}
	words := prv.D.Bits()
	clear(words)
}
