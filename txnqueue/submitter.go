package txnqueue

import (
	"context"
	"time"

	"github.com/stellance/ledger/ledger"
)

const defaultExpiry = 5 * time.Minute

// Submitter builds, signs, and submits ledger transactions through a
// queue. Each attempt rebuilds the envelope against the account's fresh
// sequence number, so a stale-sequence rejection heals on retry instead
// of failing the operation.
type Submitter struct {
	client ledger.Client
	queue  *Queue
	expiry time.Duration
}

// NewSubmitter creates a submitter over the given client and queue.
func NewSubmitter(client ledger.Client, queue *Queue) *Submitter {
	return &Submitter{client: client, queue: queue, expiry: defaultExpiry}
}

// Queue returns the underlying queue.
func (s *Submitter) Queue() *Queue {
	return s.queue
}

// Submit enqueues the operations as one transaction signed by signer and
// blocks until the queue resolves it. The transaction carries an absolute
// expiry so a stale signed envelope is rejected by the ledger rather than
// retried forever.
func (s *Submitter) Submit(ctx context.Context, signer ledger.Signer, ops ...ledger.Operation) (*ledger.SubmitResult, error) {
	if len(ops) == 0 {
		return nil, ledger.Errorf(ledger.KindInvalidParams, "at least one operation is required")
	}
	txn, err := s.queue.Enqueue("", func(ctx context.Context) (interface{}, error) {
		env, err := s.client.BuildTransaction(ctx, signer.PublicKey(), ops...)
		if err != nil {
			return nil, err
		}
		env.Expiry = time.Now().Add(s.expiry)
		if err := s.client.Simulate(ctx, env); err != nil {
			return nil, err
		}
		signed, err := signer.Sign(ctx, env)
		if err != nil {
			return nil, err
		}
		res, err := s.client.Submit(ctx, signed)
		if err != nil {
			return nil, err
		}
		if !res.Successful {
			return nil, ledger.Errorf(ledger.KindContract, "transaction %s rejected", res.Hash)
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	final, err := s.queue.Await(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	res, ok := final.Result.(*ledger.SubmitResult)
	if !ok {
		return nil, ledger.Errorf(ledger.KindContract, "operation %s returned no submit result", final.ID)
	}
	return res, nil
}
