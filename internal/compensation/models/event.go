package models

import (
	"time"

	id "payplan/pkg/domain"
)

// EventType names a committed change other systems may react to.
type EventType string

const (
	EventUserRegistered     EventType = "user.registered"
	EventPayoutsDistributed EventType = "payouts.distributed"
	EventInstallmentPaid    EventType = "installment.recorded"
	EventUserRemoved        EventType = "user.removed"
)

// Event is published after the transaction that produced it commits.
// UserID is the partition key.
type Event struct {
	Type       EventType `json:"type"`
	UserID     id.UserID `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

// PurchaseResult is the stored package and what its purchase paid out.
type PurchaseResult struct {
	Package      *Package      `json:"package"`
	Distribution *Distribution `json:"distribution"`
}

// Dashboard gathers the read views of one user.
type Dashboard struct {
	Business *BusinessInfo `json:"business"`
	Earnings []Earning     `json:"earnings"`
	Levels   []LevelStat   `json:"levels"`
}
