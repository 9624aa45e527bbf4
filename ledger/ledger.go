// Package ledger persists decoded chain events exactly once and maintains the
// per-account claim, credit and release totals derived from them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUnsupportedDriver   = errors.New("ledger: unsupported database driver")
	ErrInvalidEvent        = errors.New("ledger: invalid event")
	ErrUnknownKind         = errors.New("ledger: unknown event kind")
	ErrInvalidAccount      = errors.New("ledger: invalid account")
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
)

// Metrics receives derived update failures.
type Metrics interface {
	RecordAggregateFailure(kind string)
}

// Ledger records chain events and their derived aggregates.
type Ledger struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
	clock   func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the time source used for observed_at and updated_at.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// Open connects to the configured database and migrates the schema.
// Supported drivers are "postgres" and "sqlite".
func Open(driver, dsn string, opts ...Option) (*Ledger, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an already migrated database handle.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:     db,
		logger: slog.Default(),
		tracer: otel.Tracer("claimindexer/ledger"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// DB exposes the underlying handle.
func (l *Ledger) DB() *gorm.DB { return l.db }

// Close releases the database connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record inserts the event under its (tx_hash, log_index) key. A conflicting
// key means the event was already applied and Record returns
// OutcomeDuplicate without touching any aggregate. Otherwise each derived
// delta is merged with an additive upsert. Derivation failures are returned
// alongside OutcomeRecorded; the raw event stays committed.
//
// Record ignores cancellation of ctx so a stopping listener cannot leave an
// event half applied.
func (l *Ledger) Record(ctx context.Context, event Event) (Outcome, error) {
	if l == nil || l.db == nil {
		return OutcomeFailed, fmt.Errorf("ledger not initialised")
	}
	ctx = context.WithoutCancel(ctx)
	ctx, span := l.tracer.Start(ctx, "ledger.record",
		trace.WithAttributes(
			attribute.String("event.kind", string(event.Kind)),
			attribute.String("event.tx_hash", event.TxHash),
			attribute.Int64("event.log_index", int64(event.LogIndex)),
		))
	defer span.End()

	if err := normaliseEvent(&event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return OutcomeFailed, err
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = l.clock().UTC()
	}

	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
		DoNothing: true,
	}).Create(&event)
	if res.Error != nil {
		err := fmt.Errorf("insert event %s@%d: %w", event.TxHash, event.LogIndex, res.Error)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return OutcomeFailed, err
	}
	if res.RowsAffected == 0 {
		span.SetAttributes(attribute.String("ledger.outcome", string(OutcomeDuplicate)))
		l.logger.Debug("ledger event already recorded",
			slog.String("tx_hash", event.TxHash),
			slog.Uint64("log_index", uint64(event.LogIndex)))
		return OutcomeDuplicate, nil
	}

	deltas, deriveErr := Derive(event)
	errs := []error{deriveErr}
	if deriveErr != nil {
		l.recordFailure("derive")
	}
	for _, delta := range deltas {
		if err := l.apply(ctx, event.Account, delta); err != nil {
			l.recordFailure(string(delta.Kind))
			errs = append(errs, fmt.Errorf("apply %s: %w", delta.Kind, err))
		}
	}
	span.SetAttributes(attribute.String("ledger.outcome", string(OutcomeRecorded)))
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "derived update failed")
		l.logger.Error("ledger derived update failed",
			slog.String("tx_hash", event.TxHash),
			slog.Uint64("log_index", uint64(event.LogIndex)),
			slog.String("account", event.Account),
			slog.Any("error", err))
		return OutcomeRecorded, err
	}
	l.logger.Info("ledger event recorded",
		slog.String("kind", string(event.Kind)),
		slog.String("tx_hash", event.TxHash),
		slog.Uint64("log_index", uint64(event.LogIndex)),
		slog.String("account", event.Account),
		slog.Int("deltas", len(deltas)))
	return OutcomeRecorded, nil
}

// apply merges one delta into the aggregate row with a single statement.
func (l *Ledger) apply(ctx context.Context, account string, delta Delta) error {
	row := Aggregate{
		Account:   account,
		Kind:      delta.Kind,
		Total:     delta.Amount,
		UpdatedAt: l.clock().UTC(),
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account"}, {Name: "kind"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total":      gorm.Expr("ledger_aggregates.total + excluded.total"),
			"updated_at": gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&row).Error
}

func (l *Ledger) recordFailure(kind string) {
	if l.metrics != nil {
		l.metrics.RecordAggregateFailure(kind)
	}
}

// SpendCredits debits amount from the account's credit balance. The
// balance never goes below zero: a debit larger than the balance fails
// with ErrInsufficientCredits and changes nothing.
func (l *Ledger) SpendCredits(ctx context.Context, account string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: debit must be positive", ErrInvalidEvent)
	}
	normalised, err := NormaliseAccount(account)
	if err != nil {
		return err
	}
	res := l.db.WithContext(ctx).Model(&Aggregate{}).
		Where("account = ? AND kind = ? AND total >= ?", normalised, AggregateCredit, amount).
		Updates(map[string]interface{}{
			"total":      gorm.Expr("total - ?", amount),
			"updated_at": l.clock().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("debit credits: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// NormaliseAccount validates a hex address and returns its EIP-55 form.
func NormaliseAccount(account string) (string, error) {
	trimmed := strings.TrimSpace(account)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	return common.HexToAddress(trimmed).Hex(), nil
}

func normaliseEvent(event *Event) error {
	hash := common.HexToHash(strings.TrimSpace(event.TxHash))
	if (hash == common.Hash{}) {
		return fmt.Errorf("%w: transaction hash required", ErrInvalidEvent)
	}
	event.TxHash = hash.Hex()
	switch event.Kind {
	case KindParticipated, KindTokensClaimed, KindDeposit:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, event.Kind)
	}
	account, err := NormaliseAccount(event.Account)
	if err != nil {
		return err
	}
	event.Account = account
	if event.Counterparty != "" {
		counterparty, err := NormaliseAccount(event.Counterparty)
		if err != nil {
			return err
		}
		event.Counterparty = counterparty
	}
	if event.Amount < 0 || event.Total < 0 || event.Released < 0 {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, ErrNegativeAmount)
	}
	return nil
}
