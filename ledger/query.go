package ledger

import (
	"context"
	"fmt"
)

// Balance summarises every aggregate held for one account.
type Balance struct {
	Account   string `json:"account"`
	Claim     int64  `json:"claim"`
	Credit    int64  `json:"credit"`
	Released  int64  `json:"released"`
	Claimable int64  `json:"claimable"`
}

// ClaimTotal returns the account's accumulated claim amount.
func (l *Ledger) ClaimTotal(ctx context.Context, account string) (int64, error) {
	return l.total(ctx, account, AggregateClaim)
}

// CreditBalance returns the account's current credit balance.
func (l *Ledger) CreditBalance(ctx context.Context, account string) (int64, error) {
	return l.total(ctx, account, AggregateCredit)
}

// ReleasedTotal returns the amount already released to the account on-chain.
func (l *Ledger) ReleasedTotal(ctx context.Context, account string) (int64, error) {
	return l.total(ctx, account, AggregateReleased)
}

// Balance loads all aggregates for the account in one query.
func (l *Ledger) Balance(ctx context.Context, account string) (Balance, error) {
	normalised, err := NormaliseAccount(account)
	if err != nil {
		return Balance{}, err
	}
	var rows []Aggregate
	if err := l.db.WithContext(ctx).Where("account = ?", normalised).Find(&rows).Error; err != nil {
		return Balance{}, fmt.Errorf("load aggregates: %w", err)
	}
	balance := Balance{Account: normalised}
	for _, row := range rows {
		switch row.Kind {
		case AggregateClaim:
			balance.Claim = row.Total
		case AggregateCredit:
			balance.Credit = row.Total
		case AggregateReleased:
			balance.Released = row.Total
		}
	}
	balance.Claimable = balance.Claim - balance.Released
	if balance.Claimable < 0 {
		balance.Claimable = 0
	}
	return balance, nil
}

// Events lists recorded events for the account ordered by block and log index.
func (l *Ledger) Events(ctx context.Context, account string) ([]Event, error) {
	normalised, err := NormaliseAccount(account)
	if err != nil {
		return nil, err
	}
	var events []Event
	err = l.db.WithContext(ctx).
		Where("account = ?", normalised).
		Order("block_number ASC").
		Order("log_index ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (l *Ledger) total(ctx context.Context, account string, kind AggregateKind) (int64, error) {
	normalised, err := NormaliseAccount(account)
	if err != nil {
		return 0, err
	}
	var totals []int64
	err = l.db.WithContext(ctx).Model(&Aggregate{}).
		Where("account = ? AND kind = ?", normalised, kind).
		Pluck("total", &totals).Error
	if err != nil {
		return 0, fmt.Errorf("load %s total: %w", kind, err)
	}
	if len(totals) == 0 {
		return 0, nil
	}
	return totals[0], nil
}
