// Package contracts holds the event signatures and ABI fragments of the
// contracts the indexer talks to.
package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Event signatures emitted by the genesis, claimer and USDC contracts.
const (
	ParticipatedSignature  = "Participated(uint256,address,uint256)"
	TokensClaimedSignature = "TokensClaimed(address,uint256,uint256)"
	TransferSignature      = "Transfer(address,address,uint256)"
)

var (
	ParticipatedTopic  = Topic(ParticipatedSignature)
	TokensClaimedTopic = Topic(TokensClaimedSignature)
	TransferTopic      = Topic(TransferSignature)
)

// ERC1271MagicValue is returned by isValidSignature for an accepted signature.
var ERC1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

const erc1271JSON = `[{
	"type": "function",
	"name": "isValidSignature",
	"stateMutability": "view",
	"inputs": [
		{"name": "hash", "type": "bytes32"},
		{"name": "signature", "type": "bytes"}
	],
	"outputs": [{"name": "magicValue", "type": "bytes4"}]
}]`

var (
	erc1271Once sync.Once
	erc1271ABI  abi.ABI
	erc1271Err  error
)

// Topic returns the keccak256 topic hash of an event signature.
func Topic(signature string) common.Hash {
	return gethcrypto.Keccak256Hash([]byte(signature))
}

// AddressTopic left-pads an address into a 32-byte indexed topic.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// ERC1271 returns the parsed isValidSignature ABI.
func ERC1271() (abi.ABI, error) {
	erc1271Once.Do(func() {
		erc1271ABI, erc1271Err = abi.JSON(strings.NewReader(erc1271JSON))
	})
	return erc1271ABI, erc1271Err
}

// PackIsValidSignature encodes an isValidSignature(bytes32,bytes) call.
func PackIsValidSignature(hash common.Hash, signature []byte) ([]byte, error) {
	parsed, err := ERC1271()
	if err != nil {
		return nil, fmt.Errorf("parse erc1271 abi: %w", err)
	}
	return parsed.Pack("isValidSignature", [32]byte(hash), signature)
}

// UnpackMagicValue decodes the bytes4 returned by isValidSignature.
func UnpackMagicValue(output []byte) ([4]byte, error) {
	var magic [4]byte
	parsed, err := ERC1271()
	if err != nil {
		return magic, fmt.Errorf("parse erc1271 abi: %w", err)
	}
	values, err := parsed.Unpack("isValidSignature", output)
	if err != nil {
		return magic, fmt.Errorf("unpack magic value: %w", err)
	}
	if len(values) != 1 {
		return magic, fmt.Errorf("unexpected isValidSignature outputs: %d", len(values))
	}
	magic, ok := values[0].([4]byte)
	if !ok {
		return magic, fmt.Errorf("unexpected magic value type %T", values[0])
	}
	return magic, nil
}
