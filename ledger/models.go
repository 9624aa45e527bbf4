package ledger

import (
	"time"

	"gorm.io/gorm"
)

// Kind identifies the on-chain event an Event was decoded from.
type Kind string

const (
	KindParticipated  Kind = "participated"
	KindTokensClaimed Kind = "tokens_claimed"
	KindDeposit       Kind = "deposit"
)

// AggregateKind names a per-account running total.
type AggregateKind string

const (
	AggregateClaim    AggregateKind = "claim"
	AggregateCredit   AggregateKind = "credit"
	AggregateReleased AggregateKind = "released"
)

// Outcome reports what Record did with an event.
type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Event is an immutable decoded chain log. (TxHash, LogIndex) is unique
// across every kind.
type Event struct {
	TxHash       string    `gorm:"column:tx_hash;primaryKey;size:66;autoIncrement:false"`
	LogIndex     uint      `gorm:"column:log_index;primaryKey;autoIncrement:false"`
	Kind         Kind      `gorm:"size:32;not null;index"`
	Account      string    `gorm:"size:42;not null;index"`
	Counterparty string    `gorm:"size:42"`
	Amount       int64     `gorm:"not null"`
	Tier         int64     `gorm:"not null"`
	Total        int64     `gorm:"not null"`
	Released     int64     `gorm:"not null"`
	BlockNumber  uint64    `gorm:"not null"`
	ObservedAt   time.Time `gorm:"not null"`
}

// TableName pins the events table name.
func (Event) TableName() string { return "ledger_events" }

// Aggregate is a running total keyed by account and kind. Rows are only
// ever changed through additive upserts.
type Aggregate struct {
	Account   string        `gorm:"primaryKey;size:42"`
	Kind      AggregateKind `gorm:"primaryKey;size:16"`
	Total     int64         `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName pins the aggregates table name.
func (Aggregate) TableName() string { return "ledger_aggregates" }

// AutoMigrate creates or updates the ledger schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&Aggregate{},
	)
}
