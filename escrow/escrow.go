// Package escrow drives milestone- and time-based fund release between a
// client and a provider. The on-ledger contract is the authority for
// status and balances; this service validates locally, submits through
// the account's transaction queue, and re-reads state from the ledger.
package escrow

import (
	"math"
	"time"
)

// budgetTolerance is the allowed deviation between the sum of entry
// budgets and the contract total.
const budgetTolerance = 0.01

// ReleaseType selects how funds are released.
type ReleaseType string

const (
	// ReleaseMilestone releases funds as milestones complete.
	ReleaseMilestone ReleaseType = "milestone"
	// ReleaseTimed releases funds on an absolute time schedule.
	ReleaseTimed ReleaseType = "time"
)

// Status of an escrow contract. Completed, disputed, and cancelled are
// terminal; contracts are never deleted.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
)

// MilestoneStatus of a single milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneApproved   MilestoneStatus = "approved"
)

// Milestone is one unit of deliverable work with a budget.
type Milestone struct {
	ID          uint32
	Title       string
	Description string
	Budget      float64
	Status      MilestoneStatus
	// CompletedAt is set once, on the transition to completed.
	CompletedAt *time.Time
}

// TimeRelease is one entry of a time-based release schedule.
type TimeRelease struct {
	ReleaseTime time.Time
	Amount      float64
	Released    bool
}

// Contract is the client view of an escrow contract.
type Contract struct {
	ID     string
	Client string
	// Provider is empty until a bid is accepted, and immutable once set.
	Provider       string
	TotalAmount    float64
	ReleasedAmount float64
	ReleaseType    ReleaseType
	Milestones     []Milestone
	Schedule       []TimeRelease
	Status         Status
	CreatedAt      time.Time
}

// budgetsMatch reports whether the entry budgets sum to total within
// tolerance.
func budgetsMatch(total float64, budgets []float64) bool {
	sum := 0.0
	for _, b := range budgets {
		sum += b
	}
	return math.Abs(sum-total) <= budgetTolerance
}
