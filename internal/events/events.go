package events

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type Kind string

const (
	KindDeposit           Kind = "deposit"
	KindWithdrawRequested Kind = "withdraw_requested"
	KindWithdrawSucceeded Kind = "withdraw_succeeded"
	KindWithdrawRejected  Kind = "withdraw_rejected"
	KindForcedSettlement  Kind = "forced_settlement"
	KindRequested         Kind = "oracle_requested"
	KindFulfilled         Kind = "oracle_fulfilled"
	KindDeployed          Kind = "deployed"
)

// Event is one observable state change. Only the fields relevant to Kind are set.
type Event struct {
	ID          uuid.UUID      `json:"id"`
	Seq         uint64         `json:"seq"`
	Kind        Kind           `json:"kind"`
	Emitter     common.Address `json:"emitter"`
	At          time.Time      `json:"at"`
	Subject     common.Address `json:"subject"`
	Amount      *big.Int       `json:"amount,omitempty"`
	RequestID   common.Hash    `json:"requestId"`
	Approved    bool           `json:"approved"`
	Owner       common.Address `json:"owner"`
	Index       uint64         `json:"index"`
	Ledger      common.Address `json:"ledger"`
	Coordinator common.Address `json:"coordinator"`
}

// Sink receives every event after it has been appended to the log.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Log is the append-only event journal shared by every component of a
// deployment. Subscribers see events in append order.
type Log struct {
	mu      sync.Mutex
	events  []Event
	subs    map[int]chan Event
	nextSub int

	sinkMu sync.Mutex
	sinks  []Sink

	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Log)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func NewLog(opts ...Option) *Log {
	l := &Log{
		subs:   make(map[int]chan Event),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) AddSink(s Sink) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Emit stamps ev, appends it and fans it out. Sink failures are logged and do
// not fail the caller: the log itself is the record.
func (l *Log) Emit(ctx context.Context, ev Event) Event {
	if ev.Amount != nil {
		ev.Amount = new(big.Int).Set(ev.Amount)
	}

	l.mu.Lock()
	ev.ID = uuid.New()
	ev.Seq = uint64(len(l.events))
	ev.At = l.now().UTC()
	l.events = append(l.events, ev)
	for id, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			l.logger.Warn("event subscriber lagging; dropping event",
				slog.Int("subscriber", id), slog.Uint64("seq", ev.Seq))
		}
	}
	l.mu.Unlock()

	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	for _, s := range l.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			l.logger.Warn("event sink publish failed",
				slog.String("kind", string(ev.Kind)), slog.Uint64("seq", ev.Seq), slog.Any("err", err))
		}
	}
	return ev
}

// Events returns a snapshot of the whole log.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *Log) Filter(kind Kind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe returns a channel receiving events appended from now on, and a
// function that unsubscribes and closes it. A full channel drops events.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
