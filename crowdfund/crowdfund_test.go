package crowdfund

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/escrow"
	"github.com/stellance/ledger/ledger"
	"github.com/stellance/ledger/notifications"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestMain(m *testing.M) {
	logging.SetAllLoggers(logging.LevelError)
	os.Exit(m.Run())
}

// fakeSubmitter records submitted operations and mirrors the contract's
// own bookkeeping: a refund zeroes the contributor's record, and a
// finalize settles the pool's status (and raised total) from whatever
// the contract holds at that moment, not what the caller last read.
type fakeSubmitter struct {
	mu           sync.Mutex
	batches      [][]ledger.Operation
	res          *ledger.SubmitResult
	client       *stateClient
	pool         string
	settleStatus Status
	settleRaised float64
}

func (f *fakeSubmitter) Submit(_ context.Context, _ ledger.Signer, ops ...ledger.Operation) (*ledger.SubmitResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, ops)
	f.mu.Unlock()
	for _, op := range ops {
		if f.client == nil {
			continue
		}
		switch op.Method {
		case "refund":
			f.client.zeroContributor(f.pool, op.Args[0].(string))
		case "finalize":
			f.client.set(f.pool, "status", string(f.settleStatus))
			if f.settleRaised > 0 {
				f.client.set(f.pool, "total_raised", f.settleRaised)
			}
		}
	}
	if f.res != nil {
		return f.res, nil
	}
	return &ledger.SubmitResult{Hash: "h", Successful: true}, nil
}

func (f *fakeSubmitter) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.batches {
		for _, op := range batch {
			out = append(out, op.Method)
		}
	}
	return out
}

// stateClient serves contract state reads from a nested map.
type stateClient struct {
	mu    sync.Mutex
	state map[string]map[string]interface{}
}

func (c *stateClient) set(contract, key string, val interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		c.state = make(map[string]map[string]interface{})
	}
	if c.state[contract] == nil {
		c.state[contract] = make(map[string]interface{})
	}
	c.state[contract][key] = val
}

func (c *stateClient) zeroContributor(pool, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.state[pool]; ok {
		if contributors, ok := m["contributors"].(map[string]float64); ok {
			contributors[address] = 0
		}
	}
}

func (c *stateClient) ReadContractState(_ context.Context, contract, key string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.state[contract]; ok {
		if v, ok := m[key]; ok {
			return v, nil
		}
	}
	return nil, ledger.Errorf(ledger.KindNotFound, "no state %s/%s", contract, key)
}

func (c *stateClient) LoadAccount(_ context.Context, _ string) (*ledger.Account, error) {
	return nil, nil
}

func (c *stateClient) BuildTransaction(_ context.Context, _ string, _ ...ledger.Operation) (*ledger.Envelope, error) {
	return nil, nil
}

func (c *stateClient) Simulate(_ context.Context, _ *ledger.Envelope) error {
	return nil
}

func (c *stateClient) Submit(_ context.Context, _ *ledger.SignedEnvelope) (*ledger.SubmitResult, error) {
	return nil, nil
}

func (c *stateClient) StreamEvents(_ context.Context, _ ledger.EventFilter) (<-chan ledger.StreamItem, error) {
	ch := make(chan ledger.StreamItem)
	close(ch)
	return ch, nil
}

func requireSigner(t *testing.T) *ledger.LocalSigner {
	signer, err := ledger.NewLocalSigner()
	require.NoError(t, err)
	return signer
}

func poolState(t *testing.T, client *stateClient, id string, goal, raised float64, deadline time.Time, status Status, contributors map[string]float64) {
	owner := requireSigner(t)
	client.set(id, "project_owner", owner.PublicKey())
	client.set(id, "funding_goal", goal)
	client.set(id, "deadline", deadline.Unix())
	client.set(id, "total_raised", raised)
	client.set(id, "status", string(status))
	if contributors == nil {
		contributors = map[string]float64{}
	}
	client.set(id, "contributors", contributors)
}

func TestCreatePoolValidation(t *testing.T) {
	sub := &fakeSubmitter{}
	s := NewService(&stateClient{}, sub, nil, nil)
	signer := requireSigner(t)

	_, err := s.CreatePool(ctx, 0, time.Now().Add(time.Hour), "zero goal", signer)
	require.Error(t, err)
	require.Equal(t, ledger.KindInvalidParams, ledger.KindOf(err))

	_, err = s.CreatePool(ctx, 3000, time.Now().Add(-time.Hour), "past deadline", signer)
	require.Error(t, err)

	_, err = s.CreatePool(ctx, 3000, time.Now().Add(maxPoolDuration+time.Hour), "too far out", signer)
	require.Error(t, err)

	require.Len(t, sub.methods(), 0)
}

func TestCreatePool(t *testing.T) {
	sub := &fakeSubmitter{res: &ledger.SubmitResult{Successful: true, ContractID: "POOL1"}}
	s := NewService(&stateClient{}, sub, nil, nil)
	signer := requireSigner(t)

	id, err := s.CreatePool(ctx, 3000, time.Now().Add(30*24*time.Hour), "community well", signer)
	require.NoError(t, err)
	require.Equal(t, "POOL1", id)
	require.Equal(t, []string{"initialize"}, sub.methods())
}

func TestContributeValidatesAmount(t *testing.T) {
	sub := &fakeSubmitter{}
	s := NewService(&stateClient{}, sub, nil, nil)
	err := s.Contribute(ctx, "POOL1", 0, requireSigner(t))
	require.Error(t, err)
	require.Len(t, sub.methods(), 0)
}

func TestContributeNotifies(t *testing.T) {
	sub := &fakeSubmitter{}
	notifier := notifications.NewManager()
	s := NewService(&stateClient{}, sub, nil, notifier)

	require.NoError(t, s.Contribute(ctx, "POOL1", 250, requireSigner(t)))
	require.Equal(t, []string{"contribute"}, sub.methods())

	list := notifier.List()
	require.Len(t, list, 1)
	require.Equal(t, string(ledger.EventContributionReceived), list[0].Type)
	require.Contains(t, list[0].Message, "250.00")
}

func TestFinalizeFundedCreatesLinkedEscrow(t *testing.T) {
	client := &stateClient{}
	poolState(t, client, "POOL1", 3000, 3200, time.Now().Add(time.Hour), StatusFunding, nil)
	sub := &fakeSubmitter{
		res:          &ledger.SubmitResult{Successful: true, ContractID: "ESC1"},
		client:       client,
		pool:         "POOL1",
		settleStatus: StatusFunded,
	}
	notifier := notifications.NewManager()
	escrows := escrow.NewService(client, sub, nil)
	s := NewService(client, sub, escrows, notifier)

	pool, err := s.Finalize(ctx, "POOL1", requireSigner(t))
	require.NoError(t, err)
	require.Equal(t, StatusFunded, pool.Status)
	require.Equal(t, "ESC1", pool.EscrowID)

	methods := sub.methods()
	require.Contains(t, methods, "finalize")
	require.Contains(t, methods, "initialize")
	require.Contains(t, methods, "add_milestone")

	list := notifier.List()
	require.Len(t, list, 1)
	require.Equal(t, string(ledger.EventPoolFunded), list[0].Type)
}

func TestFinalizeFailedAfterDeadline(t *testing.T) {
	client := &stateClient{}
	poolState(t, client, "POOL1", 3000, 2100, time.Now().Add(-time.Hour), StatusFunding, nil)
	sub := &fakeSubmitter{client: client, pool: "POOL1", settleStatus: StatusFailed}
	escrows := escrow.NewService(client, sub, nil)
	s := NewService(client, sub, escrows, nil)

	pool, err := s.Finalize(ctx, "POOL1", requireSigner(t))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, pool.Status)
	require.Empty(t, pool.EscrowID)
	require.Equal(t, []string{"finalize"}, sub.methods())
}

func TestFinalizeLateContributionFunds(t *testing.T) {
	// The snapshot taken before finalizing shows the goal unmet, but a
	// contribution lands before the finalize does and the contract
	// settles the pool funded. The outcome must follow the contract, not
	// the stale snapshot: the linked escrow is created over the full
	// raised total and contributors are never left chasing refunds the
	// contract would reject.
	client := &stateClient{}
	poolState(t, client, "POOL1", 3000, 2100, time.Now().Add(-time.Hour), StatusFunding, nil)
	sub := &fakeSubmitter{
		res:          &ledger.SubmitResult{Successful: true, ContractID: "ESC1"},
		client:       client,
		pool:         "POOL1",
		settleStatus: StatusFunded,
		settleRaised: 3200,
	}
	notifier := notifications.NewManager()
	escrows := escrow.NewService(client, sub, nil)
	s := NewService(client, sub, escrows, notifier)

	pool, err := s.Finalize(ctx, "POOL1", requireSigner(t))
	require.NoError(t, err)
	require.Equal(t, StatusFunded, pool.Status)
	require.Equal(t, 3200.0, pool.TotalRaised)
	require.Equal(t, "ESC1", pool.EscrowID)

	var initArgs []interface{}
	for _, batch := range sub.batches {
		for _, op := range batch {
			if op.Method == "initialize" {
				initArgs = op.Args
			}
		}
	}
	require.NotNil(t, initArgs)
	require.Equal(t, 3200.0, initArgs[2])

	list := notifier.List()
	require.Len(t, list, 1)
	require.Equal(t, string(ledger.EventPoolFunded), list[0].Type)
}

func TestFinalizeEarlyWithUnmetGoal(t *testing.T) {
	client := &stateClient{}
	poolState(t, client, "POOL1", 3000, 2100, time.Now().Add(time.Hour), StatusFunding, nil)
	sub := &fakeSubmitter{}
	s := NewService(client, sub, nil, nil)

	_, err := s.Finalize(ctx, "POOL1", requireSigner(t))
	require.Error(t, err)
	require.Equal(t, ledger.KindConflict, ledger.KindOf(err))
	require.Len(t, sub.methods(), 0)
}

func TestFinalizeAlreadySettled(t *testing.T) {
	client := &stateClient{}
	poolState(t, client, "POOL1", 3000, 2100, time.Now().Add(-time.Hour), StatusFailed, nil)
	sub := &fakeSubmitter{}
	s := NewService(client, sub, nil, nil)

	_, err := s.Finalize(ctx, "POOL1", requireSigner(t))
	require.Error(t, err)
	require.Equal(t, ledger.KindConflict, ledger.KindOf(err))
}

func TestRefundExactlyOnce(t *testing.T) {
	contributor := requireSigner(t)
	client := &stateClient{}
	poolState(t, client, "POOL1", 3000, 2100, time.Now().Add(-time.Hour), StatusFailed,
		map[string]float64{contributor.PublicKey(): 500})
	sub := &fakeSubmitter{client: client, pool: "POOL1"}
	s := NewService(client, sub, nil, nil)

	amount, err := s.Refund(ctx, "POOL1", contributor)
	require.NoError(t, err)
	require.Equal(t, 500.0, amount)

	// The contract zeroed the contributor's record; a second refund
	// request fails instead of silently no-opping.
	_, err = s.Refund(ctx, "POOL1", contributor)
	require.Error(t, err)
	require.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
	require.Equal(t, []string{"refund"}, sub.methods())
}

func TestRefundRequiresFailedPool(t *testing.T) {
	contributor := requireSigner(t)
	client := &stateClient{}
	poolState(t, client, "POOL1", 3000, 2100, time.Now().Add(time.Hour), StatusFunding,
		map[string]float64{contributor.PublicKey(): 500})
	sub := &fakeSubmitter{}
	s := NewService(client, sub, nil, nil)

	_, err := s.Refund(ctx, "POOL1", contributor)
	require.Error(t, err)
	require.Equal(t, ledger.KindConflict, ledger.KindOf(err))
}

func TestRefundUnknownContributor(t *testing.T) {
	client := &stateClient{}
	poolState(t, client, "POOL1", 3000, 2100, time.Now().Add(-time.Hour), StatusFailed, nil)
	sub := &fakeSubmitter{}
	s := NewService(client, sub, nil, nil)

	_, err := s.Refund(ctx, "POOL1", requireSigner(t))
	require.Error(t, err)
	require.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
}

func TestPoolReadsAuthoritativeState(t *testing.T) {
	contributor := requireSigner(t)
	client := &stateClient{}
	deadline := time.Now().Add(time.Hour).Truncate(time.Second)
	poolState(t, client, "POOL1", 3000, 1200, deadline, StatusFunding,
		map[string]float64{contributor.PublicKey(): 1200})
	s := NewService(client, &fakeSubmitter{}, nil, nil)

	pool, err := s.Pool(ctx, "POOL1")
	require.NoError(t, err)
	require.Equal(t, 3000.0, pool.FundingGoal)
	require.Equal(t, 1200.0, pool.TotalRaised)
	require.Equal(t, deadline.Unix(), pool.Deadline.Unix())
	require.Equal(t, StatusFunding, pool.Status)
	require.Equal(t, 1200.0, pool.Contributors[contributor.PublicKey()])
}
