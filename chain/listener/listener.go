// Package listener keeps one log subscription open per configured stream and
// hands every decoded event to a sink in delivery order.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"claimindexer/ledger"
)

// ErrSubscribe wraps an initial subscription failure. It is fatal: without
// the subscription no further events can be observed.
var ErrSubscribe = errors.New("listener: subscribe failed")

// Subscriber opens log subscriptions. *ethclient.Client satisfies it.
type Subscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Sink persists decoded events.
type Sink interface {
	Record(ctx context.Context, event ledger.Event) (ledger.Outcome, error)
}

// Metrics observes listener activity.
type Metrics interface {
	RecordEvent(stream, outcome string)
	RecordDrop(stream, reason string)
	RecordResubscribe(stream string)
}

// Stream is one (contract, event) subscription. Topics[0] holds the
// Keccak-256 hash of Signature.
type Stream struct {
	Name      string
	Contract  common.Address
	Signature string
	Topics    [][]common.Hash
	Decode    Decoder
}

func (s Stream) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{s.Contract},
		Topics:    s.Topics,
	}
}

// Listener fans chain logs out to per-stream consumers.
type Listener struct {
	subscriber Subscriber
	sink       Sink
	streams    []Stream
	logger     *slog.Logger
	metrics    Metrics
	buffer     int
	resubEvery time.Duration
}

// Option customises a Listener.
type Option func(*Listener)

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records event outcomes in m.
func WithMetrics(m Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithBuffer sets the per-stream log channel capacity.
func WithBuffer(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.buffer = n
		}
	}
}

// WithResubscribeInterval paces resubscription attempts after a dropped
// subscription.
func WithResubscribeInterval(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.resubEvery = d
		}
	}
}

// New constructs a listener for the given streams.
func New(subscriber Subscriber, sink Sink, streams []Stream, opts ...Option) (*Listener, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("listener: subscriber required")
	}
	if sink == nil {
		return nil, fmt.Errorf("listener: sink required")
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("listener: at least one stream required")
	}
	for _, s := range streams {
		if s.Decode == nil {
			return nil, fmt.Errorf("listener: stream %q has no decoder", s.Name)
		}
	}
	l := &Listener{
		subscriber: subscriber,
		sink:       sink,
		streams:    streams,
		logger:     slog.Default(),
		buffer:     128,
		resubEvery: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

type active struct {
	stream Stream
	logs   chan types.Log
	sub    ethereum.Subscription
}

// Run subscribes every stream and consumes them until ctx is cancelled.
// A failed initial subscription returns an error wrapping ErrSubscribe;
// cancellation returns nil.
func (l *Listener) Run(ctx context.Context) error {
	actives := make([]*active, 0, len(l.streams))
	for _, stream := range l.streams {
		logs := make(chan types.Log, l.buffer)
		sub, err := l.subscriber.SubscribeFilterLogs(ctx, stream.query(), logs)
		if err != nil {
			for _, a := range actives {
				a.sub.Unsubscribe()
			}
			return fmt.Errorf("%w: %s on %s: %v", ErrSubscribe, stream.Name, stream.Contract.Hex(), err)
		}
		l.logger.Info("listener subscribed",
			slog.String("stream", stream.Name),
			slog.String("event", stream.Signature),
			slog.String("contract", stream.Contract.Hex()))
		actives = append(actives, &active{stream: stream, logs: logs, sub: sub})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range actives {
		a := a
		g.Go(func() error {
			return l.consume(gctx, a)
		})
	}
	return g.Wait()
}

func (l *Listener) consume(ctx context.Context, a *active) error {
	defer func() { a.sub.Unsubscribe() }()
	limiter := rate.NewLimiter(rate.Every(l.resubEvery), 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-a.sub.Err():
			l.logger.Warn("listener subscription dropped; events until resubscription are not backfilled",
				slog.String("stream", a.stream.Name),
				slog.Any("error", err))
			a.sub.Unsubscribe()
			if !l.resubscribe(ctx, a, limiter) {
				return nil
			}
		case log := <-a.logs:
			l.handle(ctx, a.stream, log)
		}
	}
}

func (l *Listener) resubscribe(ctx context.Context, a *active, limiter *rate.Limiter) bool {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return false
		}
		if l.metrics != nil {
			l.metrics.RecordResubscribe(a.stream.Name)
		}
		sub, err := l.subscriber.SubscribeFilterLogs(ctx, a.stream.query(), a.logs)
		if err == nil {
			a.sub = sub
			l.logger.Info("listener resubscribed", slog.String("stream", a.stream.Name))
			return true
		}
		l.logger.Warn("listener resubscribe failed",
			slog.String("stream", a.stream.Name),
			slog.Any("error", err))
	}
}

// handle processes one log. Failures are confined to the log.
func (l *Listener) handle(ctx context.Context, stream Stream, log types.Log) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("listener handler panicked",
				slog.String("stream", stream.Name),
				slog.Any("panic", r))
			l.drop(stream.Name, "panic")
		}
	}()
	if log.Removed {
		l.logger.Warn("listener skipped removed log",
			slog.String("stream", stream.Name),
			slog.String("tx_hash", log.TxHash.Hex()))
		l.drop(stream.Name, "removed")
		return
	}
	if (log.TxHash == common.Hash{}) {
		l.logger.Error("listener log missing transaction hash", slog.String("stream", stream.Name))
		l.drop(stream.Name, "missing_tx_hash")
		return
	}
	event, err := stream.Decode(log)
	if err != nil {
		attrs := []any{
			slog.String("stream", stream.Name),
			slog.String("tx_hash", log.TxHash.Hex()),
			slog.Uint64("log_index", uint64(log.Index)),
			slog.Any("error", err),
		}
		if errors.Is(err, ErrSkip) {
			l.logger.Warn("listener skipped log", attrs...)
			l.drop(stream.Name, "skipped")
		} else {
			l.logger.Error("listener dropped undecodable log", attrs...)
			l.drop(stream.Name, "decode")
		}
		return
	}
	event.TxHash = log.TxHash.Hex()
	event.LogIndex = log.Index
	event.BlockNumber = log.BlockNumber

	outcome, err := l.sink.Record(context.WithoutCancel(ctx), event)
	if err != nil {
		l.logger.Error("listener failed to record event",
			slog.String("stream", stream.Name),
			slog.String("tx_hash", event.TxHash),
			slog.Uint64("log_index", uint64(event.LogIndex)),
			slog.String("outcome", string(outcome)),
			slog.Any("error", err))
	}
	if l.metrics != nil {
		l.metrics.RecordEvent(stream.Name, string(outcome))
	}
}

func (l *Listener) drop(stream, reason string) {
	if l.metrics != nil {
		l.metrics.RecordDrop(stream, reason)
	}
}
