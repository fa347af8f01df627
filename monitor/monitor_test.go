package monitor

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/ledger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logging.SetAllLoggers(logging.LevelError)
	os.Exit(m.Run())
}

// streamClient scripts StreamEvents: each open replays the items for its
// open count, then closes the channel.
type streamClient struct {
	mu      sync.Mutex
	opens   int
	filters []ledger.EventFilter
	script  func(open int) []ledger.StreamItem
}

func (c *streamClient) StreamEvents(ctx context.Context, filter ledger.EventFilter) (<-chan ledger.StreamItem, error) {
	c.mu.Lock()
	c.opens++
	open := c.opens
	c.filters = append(c.filters, filter)
	c.mu.Unlock()

	ch := make(chan ledger.StreamItem)
	go func() {
		defer close(ch)
		for _, item := range c.script(open) {
			select {
			case ch <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *streamClient) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *streamClient) LoadAccount(_ context.Context, _ string) (*ledger.Account, error) {
	return nil, nil
}

func (c *streamClient) BuildTransaction(_ context.Context, _ string, _ ...ledger.Operation) (*ledger.Envelope, error) {
	return nil, nil
}

func (c *streamClient) Simulate(_ context.Context, _ *ledger.Envelope) error {
	return nil
}

func (c *streamClient) Submit(_ context.Context, _ *ledger.SignedEnvelope) (*ledger.SubmitResult, error) {
	return nil, nil
}

func (c *streamClient) ReadContractState(_ context.Context, _, _ string) (interface{}, error) {
	return nil, nil
}

func event(contract string, kind ledger.EventKind, position uint64) ledger.StreamItem {
	return ledger.StreamItem{Event: ledger.Event{
		Kind:      kind,
		Type:      string(kind),
		Contract:  contract,
		Position:  position,
		Timestamp: time.Now(),
	}}
}

func streamErr() ledger.StreamItem {
	return ledger.StreamItem{Err: ledger.Errorf(ledger.KindNetwork, "stream dropped")}
}

func fastConfig() Config {
	return Config{ReconnectDelay: time.Millisecond}
}

func TestSubscribeRequiresHandler(t *testing.T) {
	m := New(&streamClient{})
	_, err := m.Subscribe(fastConfig(), nil)
	require.Error(t, err)
	require.Equal(t, ledger.KindInvalidParams, ledger.KindOf(err))
}

func TestSubscribeDeliversEvents(t *testing.T) {
	client := &streamClient{script: func(open int) []ledger.StreamItem {
		if open > 1 {
			return nil
		}
		return []ledger.StreamItem{
			event("C1", ledger.EventContractCreated, 1),
			event("C1", ledger.EventMilestoneCompleted, 2),
		}
	}}
	m := New(client)

	var mu sync.Mutex
	var got []ledger.Event
	s, err := m.Subscribe(fastConfig(), func(ev ledger.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer s.Unsubscribe()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ledger.EventContractCreated, got[0].Kind)
	require.Equal(t, uint64(2), got[1].Position)
}

func TestSubscriptionFiltersEvents(t *testing.T) {
	client := &streamClient{script: func(open int) []ledger.StreamItem {
		if open > 1 {
			return nil
		}
		return []ledger.StreamItem{
			event("C1", ledger.EventContractCreated, 1),
			event("C2", ledger.EventFundsReleased, 2),
			event("C1", ledger.EventFundsReleased, 3),
		}
	}}
	m := New(client)

	var mu sync.Mutex
	var got []ledger.Event
	cfg := fastConfig()
	cfg.Contract = "C1"
	cfg.Kinds = []ledger.EventKind{ledger.EventFundsReleased}
	s, err := m.Subscribe(cfg, func(ev ledger.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer s.Unsubscribe()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, uint64(3), got[0].Position)
}

func TestReconnectResumesFromCursor(t *testing.T) {
	client := &streamClient{script: func(open int) []ledger.StreamItem {
		if open == 1 {
			return []ledger.StreamItem{
				event("C1", ledger.EventContractCreated, 7),
				streamErr(),
			}
		}
		return nil
	}}
	m := New(client)

	s, err := m.Subscribe(fastConfig(), func(ledger.Event) {})
	require.NoError(t, err)
	defer s.Unsubscribe()

	require.Eventually(t, func() bool {
		return client.openCount() >= 2
	}, time.Second, time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Equal(t, uint64(0), client.filters[0].Cursor)
	require.Equal(t, uint64(7), client.filters[1].Cursor)
}

func TestReconnectBudgetExhausted(t *testing.T) {
	client := &streamClient{script: func(open int) []ledger.StreamItem {
		return []ledger.StreamItem{streamErr()}
	}}
	m := New(client)

	var delivered int32
	s, err := m.Subscribe(fastConfig(), func(ledger.Event) {
		delivered++
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !s.IsActive()
	}, time.Second, time.Millisecond)
	require.Equal(t, Failed, s.State())
	require.Equal(t, "error", s.State().String())
	require.Equal(t, int32(0), delivered)
	// Initial attempt plus the default budget of five reconnects.
	require.Equal(t, 6, client.openCount())

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.subs, 0)
}

func TestSuccessfulEventResetsBudget(t *testing.T) {
	client := &streamClient{script: func(open int) []ledger.StreamItem {
		if open <= 3 {
			return []ledger.StreamItem{streamErr()}
		}
		return []ledger.StreamItem{
			event("C1", ledger.EventContractCreated, uint64(open)),
			streamErr(),
		}
	}}
	m := New(client)

	s, err := m.Subscribe(fastConfig(), func(ledger.Event) {})
	require.NoError(t, err)
	defer s.Unsubscribe()

	require.Eventually(t, func() bool {
		return client.openCount() >= 5
	}, time.Second, time.Millisecond)
	// An event arrived on open 4, so the attempt counter restarted and
	// the subscription is still alive well past the initial budget.
	require.True(t, s.IsActive())
}

func TestDisableReconnect(t *testing.T) {
	client := &streamClient{script: func(open int) []ledger.StreamItem {
		return []ledger.StreamItem{streamErr()}
	}}
	m := New(client)

	cfg := fastConfig()
	cfg.DisableReconnect = true
	s, err := m.Subscribe(cfg, func(ledger.Event) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.State() == Failed
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, client.openCount())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	client := &streamClient{script: func(open int) []ledger.StreamItem {
		return []ledger.StreamItem{streamErr()}
	}}
	m := New(client)

	s, err := m.Subscribe(fastConfig(), func(ledger.Event) {})
	require.NoError(t, err)
	s.Unsubscribe()
	require.False(t, s.IsActive())
	require.Equal(t, Disconnected, s.State())

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.subs, 0)
}

func TestSubscribeContractsFansOut(t *testing.T) {
	client := &streamClient{script: func(open int) []ledger.StreamItem {
		return nil
	}}
	m := New(client)
	defer m.UnsubscribeAll()

	subs, err := m.SubscribeContracts([]string{"C1", "C2"}, fastConfig(), func(ledger.Event) {})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, "C1", subs[0].cfg.Contract)
	require.Equal(t, "C2", subs[1].cfg.Contract)
}
