package indexerd

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"claimindexer/chain/contracts"
	"claimindexer/chain/listener"
	"claimindexer/chain/units"
	"claimindexer/ledger"
)

var serveGenesis = common.HexToAddress(defaultGenesis)

type idleSubscription struct{ errCh chan error }

func (s idleSubscription) Err() <-chan error { return s.errCh }
func (s idleSubscription) Unsubscribe()      {}

type chanSubscriber struct {
	mu sync.Mutex
	ch chan<- types.Log
}

func (c *chanSubscriber) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch = ch
	return idleSubscription{errCh: make(chan error)}, nil
}

func (c *chanSubscriber) channel() chan<- types.Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// blockingSink holds every Record call until release is closed.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu     sync.Mutex
	events []ledger.Event
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingSink) Record(_ context.Context, event ledger.Event) (ledger.Outcome, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return ledger.OutcomeRecorded, nil
}

func (s *blockingSink) recorded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestListener(t *testing.T, sub listener.Subscriber, sink listener.Sink) *listener.Listener {
	t.Helper()
	lst, err := listener.New(sub, sink, []listener.Stream{
		listener.ParticipatedStream(serveGenesis, units.LedgerDecimals),
	}, listener.WithLogger(quietLogger()))
	require.NoError(t, err)
	return lst
}

func TestServeWaitsForInFlightEvent(t *testing.T) {
	sub := &chanSubscriber{}
	sink := newBlockingSink()
	lst := newTestListener(t, sub, sink)
	ops := NewOpsServer(nil, nil)
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: ops}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, lst, srv, ops, quietLogger()) }()

	require.Eventually(t, func() bool { return sub.channel() != nil }, 2*time.Second, 5*time.Millisecond)
	sub.channel() <- types.Log{
		Address: serveGenesis,
		Topics: []common.Hash{
			contracts.ParticipatedTopic,
			common.BigToHash(big.NewInt(2)),
			contracts.AddressTopic(common.HexToAddress(defaultClaimer)),
		},
		Data:        common.LeftPadBytes(big.NewInt(1_000_000).Bytes(), 32),
		TxHash:      common.Hash{0x01},
		BlockNumber: 10,
	}
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the sink")
	}

	cancel()
	select {
	case err := <-done:
		t.Fatalf("serve returned while a write was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the write completed")
	}
	require.Equal(t, 1, sink.recorded())
}

func TestServeStopsListenerWhenOpsServerFails(t *testing.T) {
	sub := &chanSubscriber{}
	sink := newBlockingSink()
	close(sink.release)
	lst := newTestListener(t, sub, sink)
	ops := NewOpsServer(nil, nil)
	srv := &http.Server{Addr: "not-a-host-port", Handler: ops}

	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), lst, srv, ops, quietLogger()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), "ops server")
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the ops server failed")
	}
}
