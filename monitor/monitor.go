// Package monitor manages push subscriptions to ledger event feeds.
// Each subscription is an explicit connection state machine with a
// bounded reconnect budget and cursor tracking, so subscribers never
// need to resubscribe after a dropped stream.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/ledger"
)

var log = logging.Logger("monitor")

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 5 * time.Second
)

// ConnectionState of a subscription.
type ConnectionState int

const (
	// Disconnected means the subscription has not yet connected or was
	// torn down by the caller.
	Disconnected ConnectionState = iota
	// Connecting means the first stream is being opened.
	Connecting
	// Connected means events are flowing.
	Connected
	// Reconnecting means the stream dropped and a new one is being opened.
	Reconnecting
	// Failed means the reconnect budget is exhausted; no further events
	// will be delivered.
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Config selects events and bounds reconnection for one subscription.
type Config struct {
	// Contract limits delivery to one contract id when non-empty.
	Contract string
	// Kinds limits delivery to the given event kinds when non-empty.
	Kinds []ledger.EventKind
	// Cursor resumes delivery after the given ledger position.
	Cursor uint64
	// DisableReconnect turns off automatic reconnection.
	DisableReconnect bool
	// MaxReconnectAttempts bounds consecutive reconnects (default 5).
	MaxReconnectAttempts int
	// ReconnectDelay is the wait before reopening a dropped stream
	// (default 5s).
	ReconnectDelay time.Duration
}

// Handler receives events for a subscription.
type Handler func(ledger.Event)

// Monitor owns a set of subscriptions against one ledger client.
type Monitor struct {
	client ledger.Client
	mu     sync.Mutex
	subs   map[string]*Subscription
}

// New creates a monitor.
func New(client ledger.Client) *Monitor {
	return &Monitor{
		client: client,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe opens a push subscription and returns its handle.
func (m *Monitor) Subscribe(cfg Config, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, ledger.Errorf(ledger.KindInvalidParams, "handler is required")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:      uuid.NewString(),
		cfg:     cfg,
		handler: handler,
		cursor:  cfg.Cursor,
		status:  make(chan ConnectionState, 16),
		ctx:     ctx,
		cancel:  cancel,
		monitor: m,
		active:  true,
	}
	m.mu.Lock()
	m.subs[s.id] = s
	m.mu.Unlock()

	go s.run(m.client)
	return s, nil
}

// SubscribeContracts fans one handler across multiple contract ids as
// independent subscriptions.
func (m *Monitor) SubscribeContracts(ids []string, cfg Config, handler Handler) ([]*Subscription, error) {
	subs := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		c := cfg
		c.Contract = id
		s, err := m.Subscribe(c, handler)
		if err != nil {
			for _, prev := range subs {
				prev.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, nil
}

// UnsubscribeAll tears down every active subscription.
func (m *Monitor) UnsubscribeAll() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (m *Monitor) remove(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// Subscription is a handle on one event stream.
type Subscription struct {
	id      string
	cfg     Config
	handler Handler
	monitor *Monitor

	mu       sync.Mutex
	state    ConnectionState
	attempts int
	cursor   uint64
	active   bool

	status chan ConnectionState
	ctx    context.Context
	cancel context.CancelFunc
}

// Unsubscribe tears down the subscription. The handler receives no
// further events.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	s.mu.Lock()
	if s.active {
		s.active = false
		s.setStateLocked(Disconnected)
	}
	s.mu.Unlock()
	s.monitor.remove(s.id)
}

// IsActive reports whether the subscription can still deliver events.
func (s *Subscription) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// State returns the current connection state.
func (s *Subscription) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a stream of connection state changes. Slow consumers
// miss intermediate states rather than blocking delivery.
func (s *Subscription) Status() <-chan ConnectionState {
	return s.status
}

func (s *Subscription) setStateLocked(state ConnectionState) {
	if s.state == state {
		return
	}
	s.state = state
	select {
	case s.status <- state:
	default:
	}
}

func (s *Subscription) setState(state ConnectionState) {
	s.mu.Lock()
	s.setStateLocked(state)
	s.mu.Unlock()
}

// run opens the stream and keeps it open across connection errors until
// the reconnect budget is exhausted or the subscription is torn down.
func (s *Subscription) run(client ledger.Client) {
	bc := backoff.NewConstantBackOff(s.cfg.ReconnectDelay)
	s.setState(Connecting)
	for {
		err := s.consume(client)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warnf("subscription %s stream error: %v", s.id, err)
		}

		s.mu.Lock()
		if s.cfg.DisableReconnect || s.attempts >= s.cfg.MaxReconnectAttempts {
			s.active = false
			s.setStateLocked(Failed)
			s.mu.Unlock()
			s.monitor.remove(s.id)
			return
		}
		s.attempts++
		s.setStateLocked(Reconnecting)
		s.mu.Unlock()

		select {
		case <-time.After(bc.NextBackOff()):
		case <-s.ctx.Done():
			return
		}
	}
}

// consume opens one stream and delivers events until it fails or closes.
func (s *Subscription) consume(client ledger.Client) error {
	s.mu.Lock()
	filter := ledger.EventFilter{
		Contract: s.cfg.Contract,
		Kinds:    s.cfg.Kinds,
		Cursor:   s.cursor,
	}
	s.mu.Unlock()

	ch, err := client.StreamEvents(s.ctx, filter)
	if err != nil {
		return err
	}
	s.setState(Connected)
	for item := range ch {
		if item.Err != nil {
			return item.Err
		}
		if !filter.Matches(item.Event) {
			continue
		}
		s.mu.Lock()
		s.attempts = 0
		s.cursor = item.Event.Position
		active := s.active
		s.mu.Unlock()
		if !active {
			return nil
		}
		s.handler(item.Event)
	}
	return nil
}
