package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cimillas/chain-trade/internal/clock"
	"github.com/cimillas/chain-trade/internal/domain"
	"github.com/cimillas/chain-trade/internal/ledger"
)

const (
	defaultReceiptTimeout = 2 * time.Minute
	defaultRetryInterval  = 250 * time.Millisecond
	tracerName            = "github.com/cimillas/chain-trade/internal/app"
)

// Gateway is the remote ledger as seen by the executor.
type Gateway interface {
	GasOracle
	Address() string
	Balance(ctx context.Context, address string) (*big.Int, error)
	Sign(ctx context.Context, intent ledger.TxIntent) (ledger.SignedTx, error)
	Broadcast(ctx context.Context, signed ledger.SignedTx) (ledger.PendingTx, error)
	AwaitReceipt(ctx context.Context, pending ledger.PendingTx) (ledger.Receipt, error)
}

type RecordRepository interface {
	RecordStatusUpdater
	CreateRecord(ctx context.Context, rec domain.Record) (string, error)
	GetRecord(ctx context.Context, id string) (domain.Record, error)
	FindRecordByIdempotencyKey(ctx context.Context, key string) (*domain.Record, error)
}

// Executor runs one order or transfer through validation, cost checking,
// record creation, signing, broadcast and receipt confirmation. Every run that
// creates a record leaves it confirmed or failed, except when the store itself
// is unreachable after broadcast.
type Executor struct {
	gateway           Gateway
	repo              RecordRepository
	costs             *CostEstimator
	compensator       *Compensator
	clock             clock.Clock
	logger            *slog.Logger
	observer          Observer
	tracer            trace.Tracer
	settlementAddress string
	gasUnits          uint64
	receiptTimeout    time.Duration
	retryAttempts     uint
	retryInterval     time.Duration
}

type ExecutorOption func(*Executor)

// WithSettlementAddress sets where market and limit orders send their value.
func WithSettlementAddress(addr string) ExecutorOption {
	return func(e *Executor) { e.settlementAddress = addr }
}

// WithGasUnits overrides the gas limit used for plain transfers.
func WithGasUnits(units uint64) ExecutorOption {
	return func(e *Executor) {
		if units > 0 {
			e.gasUnits = units
		}
	}
}

// WithReceiptTimeout bounds how long a broadcast transaction may stay unmined
// before its record is marked failed.
func WithReceiptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.receiptTimeout = d
		}
	}
}

// WithRetry retries transient failures of read-only gateway calls. Signing
// and broadcast are never retried.
func WithRetry(attempts uint, initial time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.retryAttempts = attempts
		if initial > 0 {
			e.retryInterval = initial
		}
	}
}

func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

func NewExecutor(gw Gateway, repo RecordRepository, clk clock.Clock, opts ...ExecutorOption) *Executor {
	e := &Executor{
		gateway:        gw,
		repo:           repo,
		clock:          clk,
		logger:         slog.Default(),
		observer:       nopObserver{},
		tracer:         otel.Tracer(tracerName),
		gasUnits:       StandardTransferGas,
		receiptTimeout: defaultReceiptTimeout,
		retryAttempts:  1,
		retryInterval:  defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.costs = NewCostEstimator(gw, e.gasUnits)
	e.compensator = NewCompensator(repo, clk, e.logger, e.observer)
	return e
}

// Result is what the caller learns about an execution.
type Result struct {
	RecordID string
	TxHash   string
	Status   domain.Status
	Replayed bool
}

// PlaceTrade settles a market or limit order by sending its amount to the
// settlement address.
func (e *Executor) PlaceTrade(ctx context.Context, in TradeInput) (Result, error) {
	if err := ValidateTrade(in); err != nil {
		e.observer.StageFailed(StageValidating)
		return Result{}, err
	}
	if !domain.ValidAddress(e.settlementAddress) {
		return Result{}, errors.New("settlement address not configured")
	}
	return e.execute(ctx, domain.Record{
		SubjectID:      in.SubjectID,
		Source:         e.gateway.Address(),
		Destination:    e.settlementAddress,
		Pair:           in.Pair,
		Amount:         in.Amount,
		UnitPrice:      in.UnitPrice,
		Kind:           in.Kind,
		IdempotencyKey: in.IdempotencyKey,
	})
}

// Transfer sends amount from the signing account to ToAddress.
func (e *Executor) Transfer(ctx context.Context, in TransferInput) (Result, error) {
	if err := ValidateTransfer(in); err != nil {
		e.observer.StageFailed(StageValidating)
		return Result{}, err
	}
	signer := e.gateway.Address()
	if in.FromAddress != "" && !strings.EqualFold(in.FromAddress, signer) {
		e.observer.StageFailed(StageValidating)
		return Result{}, invalid("from address does not match signing account")
	}
	return e.execute(ctx, domain.Record{
		SubjectID:      in.SubjectID,
		Source:         signer,
		Destination:    in.ToAddress,
		Amount:         in.Amount,
		Kind:           domain.KindTransfer,
		IdempotencyKey: in.IdempotencyKey,
	})
}

// workflow carries the state of one execution between stages.
type workflow struct {
	record domain.Record
	txHash string
	span   trace.Span
}

func (w *workflow) handle() RecordHandle {
	return RecordHandle{ID: w.record.ID, TxHash: w.txHash}
}

func (e *Executor) execute(ctx context.Context, rec domain.Record) (Result, error) {
	start := e.clock.Now()
	ctx, span := e.tracer.Start(ctx, "executor.execute", trace.WithAttributes(
		attribute.String("order.kind", string(rec.Kind)),
	))
	defer span.End()

	if rec.IdempotencyKey != "" {
		existing, err := e.repo.FindRecordByIdempotencyKey(ctx, rec.IdempotencyKey)
		if err != nil {
			return e.reject(span, StageRecordCreated, fmt.Errorf("%w: %w", domain.ErrPersistence, err))
		}
		if existing != nil {
			return e.replay(span, *existing, rec)
		}
	}

	value, err := ToMinorUnits(rec.Amount)
	if err != nil {
		return e.reject(span, StageValidating, err)
	}
	intent := ledger.TxIntent{
		From:  rec.Source,
		To:    rec.Destination,
		Value: value,
	}

	// Cost checking: nothing is persisted yet, so failures need no cleanup.
	balance, err := withRetry(ctx, e.retryAttempts, e.retryInterval, func() (*big.Int, error) {
		return e.gateway.Balance(ctx, rec.Source)
	})
	if err != nil {
		return e.reject(span, StageCostChecking, fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err))
	}
	gasPrice, err := withRetry(ctx, e.retryAttempts, e.retryInterval, func() (*big.Int, error) {
		return e.gateway.GasPrice(ctx)
	})
	if err != nil {
		return e.reject(span, StageCostChecking, fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err))
	}
	cost, err := withRetry(ctx, e.retryAttempts, e.retryInterval, func() (Cost, error) {
		return e.costs.Estimate(ctx, intent, gasPrice)
	})
	if err != nil {
		return e.reject(span, StageCostChecking, fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err))
	}
	if !Sufficient(balance, cost.RequiredTotal) {
		return e.reject(span, StageCostChecking, fmt.Errorf("%w: balance %s below required %s",
			domain.ErrInsufficientFunds, balance, cost.RequiredTotal))
	}
	intent.GasLimit = cost.GasLimit
	intent.GasPrice = cost.GasPrice

	now := e.clock.Now()
	rec.ID = newUUID()
	rec.Status = domain.StatusPending
	rec.TxHash = ""
	rec.CreatedAt = now
	rec.UpdatedAt = now
	id, err := e.repo.CreateRecord(ctx, rec)
	if err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) && rec.IdempotencyKey != "" {
			// A concurrent request with the same key won the insert.
			existing, findErr := e.repo.FindRecordByIdempotencyKey(ctx, rec.IdempotencyKey)
			if findErr == nil && existing != nil {
				return e.replay(span, *existing, rec)
			}
		}
		return e.reject(span, StageRecordCreated, fmt.Errorf("%w: %w", domain.ErrPersistence, err))
	}
	rec.ID = id
	span.SetAttributes(attribute.String("record.id", id))

	w := &workflow{record: rec, span: span}
	res, err := e.settle(ctx, w, intent)
	e.observer.ExecutionFinished(rec.Kind, res.Status, e.clock.Now().Sub(start))
	return res, err
}

// settle runs the stages after the pending record exists. Every return path
// leaves the record terminal or reports ErrPersistence.
func (e *Executor) settle(ctx context.Context, w *workflow, intent ledger.TxIntent) (Result, error) {
	signed, err := e.gateway.Sign(ctx, intent)
	if err != nil {
		return e.fail(ctx, w, StageSigning, fmt.Errorf("%w: %w", domain.ErrSigning, err))
	}

	pending, err := e.gateway.Broadcast(ctx, signed)
	if err != nil {
		return e.fail(ctx, w, StageBroadcasting, fmt.Errorf("%w: %w", domain.ErrBroadcast, err))
	}
	w.txHash = pending.Hash
	w.span.SetAttributes(attribute.String("tx.hash", w.txHash))

	// The transaction is on its way; the caller can no longer cancel the outcome.
	ctx = context.WithoutCancel(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	rcpt, err := e.gateway.AwaitReceipt(waitCtx, pending)
	cancel()
	if err != nil {
		return e.fail(ctx, w, StageAwaitingReceipt, fmt.Errorf("%w: %w", domain.ErrReceiptTimeout, err))
	}
	if rcpt.Hash != "" {
		w.txHash = rcpt.Hash
	}
	if !rcpt.Success {
		return e.fail(ctx, w, StageAwaitingReceipt, fmt.Errorf("%w: reverted in block %d",
			domain.ErrTransactionReverted, rcpt.BlockNumber))
	}

	if err := e.repo.UpdateRecordStatus(ctx, w.record.ID, domain.StatusConfirmed, w.txHash, e.clock.Now()); err != nil {
		e.observer.StageFailed(StageFinalizing)
		e.logger.ErrorContext(ctx, "confirmed transaction not recorded, record left pending",
			"record_id", w.record.ID,
			"tx_hash", w.txHash,
			"block", rcpt.BlockNumber,
			"error", err,
		)
		w.span.SetStatus(codes.Error, "record update failed")
		return Result{RecordID: w.record.ID, TxHash: w.txHash, Status: domain.StatusPending},
			fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	e.logger.InfoContext(ctx, "transaction confirmed",
		"record_id", w.record.ID,
		"kind", w.record.Kind,
		"tx_hash", w.txHash,
		"block", rcpt.BlockNumber,
	)
	return Result{RecordID: w.record.ID, TxHash: w.txHash, Status: domain.StatusConfirmed}, nil
}

// fail compensates the record and returns the original error.
func (e *Executor) fail(ctx context.Context, w *workflow, stage Stage, err error) (Result, error) {
	e.observer.StageFailed(stage)
	w.span.RecordError(err)
	w.span.SetStatus(codes.Error, string(stage))
	attrs := []any{
		"record_id", w.record.ID,
		"kind", w.record.Kind,
		"stage", stage,
		"tx_hash", w.txHash,
		"error", err,
	}
	if reason := ledger.ReasonOf(err); reason != ledger.ReasonUnknown {
		attrs = append(attrs, "ledger_reason", reason)
		w.span.SetAttributes(attribute.String("ledger.reason", string(reason)))
	}
	e.logger.WarnContext(ctx, "transaction failed", attrs...)
	e.compensator.MarkFailed(context.WithoutCancel(ctx), w.handle(), err)
	return Result{RecordID: w.record.ID, TxHash: w.txHash, Status: domain.StatusFailed}, err
}

// reject reports a failure that happened before any record was written.
func (e *Executor) reject(span trace.Span, stage Stage, err error) (Result, error) {
	e.observer.StageFailed(stage)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(stage))
	return Result{}, err
}

func (e *Executor) replay(span trace.Span, existing, incoming domain.Record) (Result, error) {
	if !existing.SameRequest(incoming) {
		return e.reject(span, StageValidating, domain.ErrIdempotencyConflict)
	}
	span.SetAttributes(attribute.Bool("idempotent.replay", true))
	return Result{
		RecordID: existing.ID,
		TxHash:   existing.TxHash,
		Status:   existing.Status,
		Replayed: true,
	}, nil
}
