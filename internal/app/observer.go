package app

import (
	"time"

	"github.com/cimillas/chain-trade/internal/domain"
)

// Stage names a step of the execution workflow.
type Stage string

const (
	StageValidating      Stage = "validating"
	StageCostChecking    Stage = "cost_checking"
	StageRecordCreated   Stage = "record_created"
	StageSigning         Stage = "signing"
	StageBroadcasting    Stage = "broadcasting"
	StageAwaitingReceipt Stage = "awaiting_receipt"
	StageFinalizing      Stage = "finalizing"
)

// Observer receives execution outcomes, typically to feed metrics.
type Observer interface {
	ExecutionFinished(kind domain.Kind, status domain.Status, elapsed time.Duration)
	StageFailed(stage Stage)
	CompensationFailed()
}

type nopObserver struct{}

func (nopObserver) ExecutionFinished(domain.Kind, domain.Status, time.Duration) {}
func (nopObserver) StageFailed(Stage)                                           {}
func (nopObserver) CompensationFailed()                                         {}
