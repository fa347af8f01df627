// Package notifications projects ledger events into a bounded,
// user-facing notification log. Events are not a general-purpose audit
// log: only a fixed set of known kinds produce notifications.
package notifications

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/ledger"
	"github.com/stellance/ledger/util"
)

var log = logging.Logger("notifications")

// maxNotifications bounds the in-memory log.
const maxNotifications = 50

// Notification is one entry in the log.
type Notification struct {
	ID        string
	Type      string
	Title     string
	Message   string
	Data      map[string]interface{}
	Read      bool
	CreatedAt time.Time
}

// Manager keeps the most recent notifications, newest first, and pushes
// new ones to subscribers.
type Manager struct {
	mu    sync.Mutex
	items []*Notification
	subs  map[int]chan Notification
	next  int
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{subs: make(map[int]chan Notification)}
}

// Notify prepends a notification and pushes it to subscribers. The log
// retains only the most recent entries.
func (m *Manager) Notify(typ, title, message string, data map[string]interface{}) Notification {
	n := &Notification{
		ID:        uuid.NewString(),
		Type:      typ,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]*Notification{n}, m.items...)
	if len(m.items) > maxNotifications {
		m.items = m.items[:maxNotifications]
	}
	snap := *n
	// Pushes happen under the lock so a racing cancel cannot close a
	// channel mid-send. Sends never block; slow subscribers drop rather
	// than stall the caller.
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

// Subscribe returns a channel of new notifications and a cancel func.
func (m *Manager) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 16)
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// List returns all notifications, newest first.
func (m *Manager) List() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.items))
	for i, n := range m.items {
		out[i] = *n
	}
	return out
}

// MarkRead marks one notification read.
func (m *Manager) MarkRead(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.items {
		if n.ID == id {
			n.Read = true
			return nil
		}
	}
	return ledger.Errorf(ledger.KindNotFound, "notification %s not found", id)
}

// MarkAllRead marks every notification read.
func (m *Manager) MarkAllRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.items {
		n.Read = true
	}
}

// Clear removes one notification.
func (m *Manager) Clear(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.items {
		if n.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return ledger.Errorf(ledger.KindNotFound, "notification %s not found", id)
}

// ClearAll empties the log.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
}

// UnreadCount returns the current number of unread notifications.
func (m *Manager) UnreadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// NotifyEvent maps a known ledger event into a notification. Unknown
// kinds produce nothing and return false.
func (m *Manager) NotifyEvent(ev ledger.Event) (Notification, bool) {
	title, message, ok := describeEvent(ev)
	if !ok {
		log.Debugf("ignoring event kind %q from %s", ev.Type, ev.Contract)
		return Notification{}, false
	}
	data := map[string]interface{}{
		"contract": ev.Contract,
		"position": ev.Position,
	}
	return m.Notify(string(ev.Kind), title, message, data), true
}

func describeEvent(ev ledger.Event) (title, message string, ok bool) {
	switch ev.Kind {
	case ledger.EventContractCreated:
		return "Contract created", fmt.Sprintf("Escrow contract %s was created.", ev.Contract), true
	case ledger.EventMilestoneCompleted:
		return "Milestone completed", fmt.Sprintf("A milestone on contract %s was completed.", ev.Contract), true
	case ledger.EventFundsReleased:
		return "Funds released", fmt.Sprintf("Funds were released on contract %s.", ev.Contract), true
	case ledger.EventDisputeInitiated:
		return "Dispute initiated", fmt.Sprintf("A dispute was opened on contract %s.", ev.Contract), true
	case ledger.EventPoolFunded:
		return "Pool funded", fmt.Sprintf("Funding pool %s reached its goal.", ev.Contract), true
	case ledger.EventContributionReceived:
		return "Contribution received", contributionMessage(ev), true
	default:
		return "", "", false
	}
}

func contributionMessage(ev ledger.Event) string {
	var payload struct {
		Amount float64 `json:"amount"`
	}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err == nil && payload.Amount > 0 {
			return fmt.Sprintf("Pool %s received a %s contribution.", ev.Contract, util.FormatAmount(payload.Amount))
		}
	}
	return fmt.Sprintf("Pool %s received a contribution.", ev.Contract)
}
