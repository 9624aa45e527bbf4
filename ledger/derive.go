package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"claimindexer/chain/units"
)

// MultiplierScale is the fixed-point denominator of the tier table.
const MultiplierScale = 10_000

// MaxTier is the highest participation tier with a non-zero claim multiplier.
const MaxTier = 15

// ErrNegativeAmount is returned when an event carries an amount below zero.
var ErrNegativeAmount = errors.New("ledger: negative amount")

type tierMultiplier struct {
	claim  uint64
	credit uint64
}

// Both columns are non-increasing in tier.
var tierMultipliers = [MaxTier + 1]tierMultiplier{
	{claim: 100_000, credit: 1_559},
	{claim: 98_522, credit: 1_102},
	{claim: 97_087, credit: 900},
	{claim: 95_694, credit: 780},
	{claim: 94_340, credit: 697},
	{claim: 93_023, credit: 637},
	{claim: 91_743, credit: 589},
	{claim: 90_498, credit: 551},
	{claim: 89_286, credit: 520},
	{claim: 88_106, credit: 493},
	{claim: 86_957, credit: 470},
	{claim: 85_837, credit: 450},
	{claim: 84_746, credit: 432},
	{claim: 83_682, credit: 417},
	{claim: 82_645, credit: 403},
	{claim: 80_000, credit: 0},
}

// ClaimMultiplier returns the claim multiplier of a tier in units of
// 1/MultiplierScale. Tiers outside [0, MaxTier] map to zero.
func ClaimMultiplier(tier int64) uint64 {
	if tier < 0 || tier > MaxTier {
		return 0
	}
	return tierMultipliers[tier].claim
}

// CreditMultiplier returns the credit multiplier of a tier in units of
// 1/MultiplierScale. Tiers outside [0, MaxTier] map to zero.
func CreditMultiplier(tier int64) uint64 {
	if tier < 0 || tier > MaxTier {
		return 0
	}
	return tierMultipliers[tier].credit
}

// DeriveClaim returns amount * claim multiplier, truncated toward zero.
func DeriveClaim(event Event) (int64, error) {
	return scale(event.Amount, ClaimMultiplier(event.Tier))
}

// DeriveCredit returns amount * credit multiplier, truncated toward zero.
func DeriveCredit(event Event) (int64, error) {
	return scale(event.Amount, CreditMultiplier(event.Tier))
}

func scale(amount int64, multiplier uint64) (int64, error) {
	if amount < 0 {
		return 0, ErrNegativeAmount
	}
	if amount == 0 || multiplier == 0 {
		return 0, nil
	}
	product, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(uint64(amount)),
		uint256.NewInt(multiplier),
		uint256.NewInt(MultiplierScale),
	)
	if overflow {
		return 0, units.ErrOverflow
	}
	return units.Narrow(product)
}

// Delta is one additive change to an aggregate.
type Delta struct {
	Kind   AggregateKind
	Amount int64
}

// Derive computes the aggregate deltas an event contributes. Zero deltas are
// omitted. Every derivable delta is returned even when another one fails.
func Derive(event Event) ([]Delta, error) {
	var (
		deltas []Delta
		errs   []error
	)
	add := func(kind AggregateKind, amount int64, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("derive %s: %w", kind, err))
			return
		}
		if amount != 0 {
			deltas = append(deltas, Delta{Kind: kind, Amount: amount})
		}
	}
	switch event.Kind {
	case KindParticipated:
		claim, err := DeriveClaim(event)
		add(AggregateClaim, claim, err)
		credit, err := DeriveCredit(event)
		add(AggregateCredit, credit, err)
	case KindDeposit:
		if event.Amount < 0 {
			add(AggregateCredit, 0, ErrNegativeAmount)
		} else {
			add(AggregateCredit, event.Amount, nil)
		}
	case KindTokensClaimed:
		if event.Released < 0 {
			add(AggregateReleased, 0, ErrNegativeAmount)
		} else {
			add(AggregateReleased, event.Released, nil)
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownKind, event.Kind))
	}
	return deltas, errors.Join(errs...)
}
