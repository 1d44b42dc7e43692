package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindMarket   Kind = "market"
	KindLimit    Kind = "limit"
	KindTransfer Kind = "transfer"
)

// RequiresPrice reports whether orders of this kind carry a unit price.
func (k Kind) RequiresPrice() bool {
	return k == KindMarket || k == KindLimit
}

func (k Kind) Valid() bool {
	switch k {
	case KindMarket, KindLimit, KindTransfer:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Record tracks one order or transfer from submission to its on-chain outcome.
// Only Status, TxHash and UpdatedAt change after creation.
type Record struct {
	ID             string
	SubjectID      string
	Source         string
	Destination    string
	Pair           string
	Amount         decimal.Decimal
	UnitPrice      *decimal.Decimal
	Kind           Kind
	TxHash         string
	Status         Status
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SameRequest reports whether other describes the same submission, ignoring
// lifecycle fields. Used to tell an idempotent replay from a key reuse.
func (r Record) SameRequest(other Record) bool {
	if r.Kind != other.Kind || r.SubjectID != other.SubjectID || r.Pair != other.Pair {
		return false
	}
	if !strings.EqualFold(r.Destination, other.Destination) || !r.Amount.Equal(other.Amount) {
		return false
	}
	switch {
	case r.UnitPrice == nil && other.UnitPrice == nil:
		return true
	case r.UnitPrice == nil || other.UnitPrice == nil:
		return false
	default:
		return r.UnitPrice.Equal(*other.UnitPrice)
	}
}

// RecordFilter selects records for listing. Zero bounds are open; both
// bounds are inclusive.
type RecordFilter struct {
	SubjectID string
	From      time.Time
	To        time.Time
	Limit     int
}
