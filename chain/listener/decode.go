package listener

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"claimindexer/chain/contracts"
	"claimindexer/chain/units"
	"claimindexer/ledger"
)

var (
	// ErrSkip marks a well-formed log the stream intentionally ignores.
	ErrSkip = errors.New("listener: log skipped")
	// ErrMalformedLog is returned when topics or data do not match the event.
	ErrMalformedLog = errors.New("listener: malformed log")
)

// Decoder turns a raw log into a ledger event. The listener fills in the
// transaction hash, log index and block number.
type Decoder func(types.Log) (ledger.Event, error)

// ParticipatedStream watches Participated(uint256 indexed tier, address
// indexed account, uint256 amount) on the genesis contract.
func ParticipatedStream(genesis common.Address, decimals uint) Stream {
	return Stream{
		Name:      "participated",
		Signature: contracts.ParticipatedSignature,
		Contract:  genesis,
		Topics:    [][]common.Hash{{contracts.ParticipatedTopic}},
		Decode: func(log types.Log) (ledger.Event, error) {
			if err := expectShape(log, 3, 32); err != nil {
				return ledger.Event{}, err
			}
			tier, err := units.Narrow(word(log.Topics[1].Bytes()))
			if err != nil {
				return ledger.Event{}, fmt.Errorf("tier: %w", err)
			}
			amount, err := scaled(log.Data[:32], decimals)
			if err != nil {
				return ledger.Event{}, fmt.Errorf("amount: %w", err)
			}
			return ledger.Event{
				Kind:    ledger.KindParticipated,
				Account: topicAddress(log.Topics[2]).Hex(),
				Tier:    tier,
				Amount:  amount,
			}, nil
		},
	}
}

// TokensClaimedStream watches TokensClaimed(address indexed account, uint256
// total, uint256 released) on the claimer contract.
func TokensClaimedStream(claimer common.Address, decimals uint) Stream {
	return Stream{
		Name:      "tokens_claimed",
		Signature: contracts.TokensClaimedSignature,
		Contract:  claimer,
		Topics:    [][]common.Hash{{contracts.TokensClaimedTopic}},
		Decode: func(log types.Log) (ledger.Event, error) {
			if err := expectShape(log, 2, 64); err != nil {
				return ledger.Event{}, err
			}
			total, err := scaled(log.Data[:32], decimals)
			if err != nil {
				return ledger.Event{}, fmt.Errorf("total: %w", err)
			}
			released, err := scaled(log.Data[32:64], decimals)
			if err != nil {
				return ledger.Event{}, fmt.Errorf("released: %w", err)
			}
			return ledger.Event{
				Kind:     ledger.KindTokensClaimed,
				Account:  topicAddress(log.Topics[1]).Hex(),
				Total:    total,
				Released: released,
			}, nil
		},
	}
}

// DepositStream watches token Transfer logs whose recipient is deposit and
// credits the sender.
func DepositStream(token, deposit common.Address, decimals uint) Stream {
	return Stream{
		Name:      "deposit",
		Signature: contracts.TransferSignature,
		Contract:  token,
		Topics: [][]common.Hash{
			{contracts.TransferTopic},
			nil,
			{contracts.AddressTopic(deposit)},
		},
		Decode: func(log types.Log) (ledger.Event, error) {
			if err := expectShape(log, 3, 32); err != nil {
				return ledger.Event{}, err
			}
			to := topicAddress(log.Topics[2])
			if to != deposit {
				return ledger.Event{}, fmt.Errorf("%w: transfer to non-deposit address %s", ErrSkip, to.Hex())
			}
			amount, err := scaled(log.Data[:32], decimals)
			if err != nil {
				return ledger.Event{}, fmt.Errorf("value: %w", err)
			}
			return ledger.Event{
				Kind:         ledger.KindDeposit,
				Account:      topicAddress(log.Topics[1]).Hex(),
				Counterparty: to.Hex(),
				Amount:       amount,
			}, nil
		},
	}
}

func expectShape(log types.Log, topics, data int) error {
	if len(log.Topics) != topics {
		return fmt.Errorf("%w: expected %d topics, got %d", ErrMalformedLog, topics, len(log.Topics))
	}
	if len(log.Data) < data {
		return fmt.Errorf("%w: expected %d data bytes, got %d", ErrMalformedLog, data, len(log.Data))
	}
	return nil
}

func word(b []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(b)
}

func scaled(b []byte, decimals uint) (int64, error) {
	v, err := units.Rescale(word(b), decimals, units.LedgerDecimals)
	if err != nil {
		return 0, err
	}
	return units.Narrow(v)
}

func topicAddress(topic common.Hash) common.Address {
	return common.BytesToAddress(topic.Bytes())
}
