package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cimillas/chain-trade/internal/clock"
	"github.com/cimillas/chain-trade/internal/domain"
	"github.com/cimillas/chain-trade/internal/ledger"
)

func TestExecutor_Transfer(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	amount := decimal.RequireFromString("1.5")

	newExecutor := func(gw *fakeGateway, repo *fakeRecordRepo, opts ...ExecutorOption) *Executor {
		opts = append([]ExecutorOption{
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			WithReceiptTimeout(20 * time.Millisecond),
		}, opts...)
		return NewExecutor(gw, repo, clock.NewFixed(now), opts...)
	}

	t.Run("confirmed transfer persists hash and status", func(t *testing.T) {
		gw := newFakeGateway()
		repo := newFakeRecordRepo()
		obs := newCountingObserver()
		exec := newExecutor(gw, repo, WithObserver(obs))

		res, err := exec.Transfer(context.Background(), TransferInput{
			SubjectID: "user-1",
			ToAddress: recipientAddress,
			Amount:    amount,
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.TxHash != testTxHash {
			t.Fatalf("expected tx hash %s, got %s", testTxHash, res.TxHash)
		}
		if res.Status != domain.StatusConfirmed {
			t.Fatalf("expected status confirmed, got %s", res.Status)
		}

		rec, err := repo.only()
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != domain.StatusConfirmed || rec.TxHash != testTxHash {
			t.Fatalf("unexpected record %+v", rec)
		}
		if rec.Kind != domain.KindTransfer || rec.Destination != recipientAddress || rec.Source != signerAddress {
			t.Fatalf("unexpected record shape %+v", rec)
		}
		if !rec.Amount.Equal(amount) {
			t.Fatalf("expected amount %s, got %s", amount, rec.Amount)
		}

		intent := gw.intents[0]
		wantValue := new(big.Int).Div(ether(3), big.NewInt(2))
		if intent.Value.Cmp(wantValue) != 0 {
			t.Fatalf("expected value %s, got %s", wantValue, intent.Value)
		}
		if intent.GasLimit != StandardTransferGas {
			t.Fatalf("expected gas limit %d, got %d", StandardTransferGas, intent.GasLimit)
		}
		if obs.finished[domain.StatusConfirmed] != 1 {
			t.Fatalf("expected one confirmed execution observed")
		}
	})

	t.Run("insufficient balance creates no record", func(t *testing.T) {
		gw := newFakeGateway()
		gw.balance = ether(1)
		repo := newFakeRecordRepo()
		exec := newExecutor(gw, repo)

		_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: amount})
		if !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		if repo.creates != 0 {
			t.Fatalf("expected no record created, got %d", repo.creates)
		}
		if gw.count("sign") != 0 {
			t.Fatalf("expected no signing attempt")
		}
	})

	t.Run("balance covering value but not gas is insufficient", func(t *testing.T) {
		gw := newFakeGateway()
		gw.balance = new(big.Int).Div(ether(3), big.NewInt(2))
		repo := newFakeRecordRepo()
		exec := newExecutor(gw, repo)

		_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: amount})
		if !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
	})

	t.Run("broadcast rejection fails record without hash", func(t *testing.T) {
		gw := newFakeGateway()
		gw.broadcastErr = &ledger.Error{Op: "broadcast", Kind: ledger.KindPermanent, Reason: ledger.ReasonRejected, Err: errors.New("nonce too low")}
		repo := newFakeRecordRepo()
		exec := newExecutor(gw, repo)

		res, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: amount})
		if !errors.Is(err, domain.ErrBroadcast) {
			t.Fatalf("expected ErrBroadcast, got %v", err)
		}
		if res.Status != domain.StatusFailed || res.TxHash != "" {
			t.Fatalf("unexpected result %+v", res)
		}
		rec, _ := repo.only()
		if rec.Status != domain.StatusFailed {
			t.Fatalf("expected record failed, got %s", rec.Status)
		}
		if rec.TxHash != "" {
			t.Fatalf("expected no tx hash, got %s", rec.TxHash)
		}
	})

	t.Run("receipt timeout fails record and keeps hash", func(t *testing.T) {
		gw := newFakeGateway()
		gw.blockReceipt = true
		repo := newFakeRecordRepo()
		exec := newExecutor(gw, repo)

		res, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: amount})
		if !errors.Is(err, domain.ErrReceiptTimeout) {
			t.Fatalf("expected ErrReceiptTimeout, got %v", err)
		}
		if res.TxHash != testTxHash {
			t.Fatalf("expected hash in result, got %q", res.TxHash)
		}
		rec, _ := repo.only()
		if rec.Status != domain.StatusFailed || rec.TxHash != testTxHash {
			t.Fatalf("unexpected record %+v", rec)
		}
	})

	t.Run("reverted receipt fails record and keeps hash", func(t *testing.T) {
		gw := newFakeGateway()
		gw.receipt = ledger.Receipt{Hash: testTxHash, Success: false, BlockNumber: 7}
		repo := newFakeRecordRepo()
		exec := newExecutor(gw, repo)

		_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: amount})
		if !errors.Is(err, domain.ErrTransactionReverted) {
			t.Fatalf("expected ErrTransactionReverted, got %v", err)
		}
		rec, _ := repo.only()
		if rec.Status != domain.StatusFailed || rec.TxHash != testTxHash {
			t.Fatalf("unexpected record %+v", rec)
		}
	})

	t.Run("signing failure fails record", func(t *testing.T) {
		gw := newFakeGateway()
		gw.signErr = &ledger.Error{Op: "sign", Kind: ledger.KindPermanent, Reason: ledger.ReasonMalformed}
		repo := newFakeRecordRepo()
		exec := newExecutor(gw, repo)

		_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: amount})
		if !errors.Is(err, domain.ErrSigning) {
			t.Fatalf("expected ErrSigning, got %v", err)
		}
		if gw.count("broadcast") != 0 {
			t.Fatalf("expected no broadcast after signing failure")
		}
		rec, _ := repo.only()
		if rec.Status != domain.StatusFailed {
			t.Fatalf("expected record failed, got %s", rec.Status)
		}
	})

	t.Run("gateway failure reason is logged", func(t *testing.T) {
		gw := newFakeGateway()
		gw.broadcastErr = &ledger.Error{Op: "broadcast", Kind: ledger.KindPermanent, Reason: ledger.ReasonRejected}
		var logs bytes.Buffer
		exec := newExecutor(gw, newFakeRecordRepo(), WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

		if _, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: amount}); !errors.Is(err, domain.ErrBroadcast) {
			t.Fatalf("expected ErrBroadcast, got %v", err)
		}
		if !strings.Contains(logs.String(), `"ledger_reason":"rejected"`) {
			t.Fatalf("expected ledger reason in log, got %s", logs.String())
		}
	})

	t.Run("non-positive amount touches neither gateway nor store", func(t *testing.T) {
		for _, raw := range []string{"0", "-1.5"} {
			gw := newFakeGateway()
			repo := newFakeRecordRepo()
			exec := newExecutor(gw, repo)

			_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: decimal.RequireFromString(raw)})
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("amount %s: expected ErrValidation, got %v", raw, err)
			}
			if gw.totalCalls() != 0 || repo.creates != 0 {
				t.Fatalf("amount %s: expected no collaborator calls", raw)
			}
		}
	})

	t.Run("from address must be the signing account", func(t *testing.T) {
		gw := newFakeGateway()
		repo := newFakeRecordRepo()
		exec := newExecutor(gw, repo)

		_, err := exec.Transfer(context.Background(), TransferInput{
			FromAddress: recipientAddress,
			ToAddress:   settlementAddress,
			Amount:      amount,
		})
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		if gw.totalCalls() != 0 {
			t.Fatalf("expected no gateway calls")
		}
	})

	t.Run("failed compensation does not mask the cause", func(t *testing.T) {
		gw := newFakeGateway()
		gw.broadcastErr = &ledger.Error{Op: "broadcast", Kind: ledger.KindPermanent, Reason: ledger.ReasonRejected}
		repo := newFakeRecordRepo()
		repo.updateErr = errors.New("store down")
		obs := newCountingObserver()
		exec := newExecutor(gw, repo, WithObserver(obs))

		_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: amount})
		if !errors.Is(err, domain.ErrBroadcast) {
			t.Fatalf("expected ErrBroadcast, got %v", err)
		}
		if errors.Is(err, domain.ErrPersistence) {
			t.Fatalf("compensation error leaked into result: %v", err)
		}
		if obs.compensationFailure != 1 {
			t.Fatalf("expected compensation failure observed")
		}
	})

	t.Run("store failure after confirmation surfaces persistence error", func(t *testing.T) {
		gw := newFakeGateway()
		repo := newFakeRecordRepo()
		repo.updateErr = errors.New("store down")
		exec := newExecutor(gw, repo)

		res, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: amount})
		if !errors.Is(err, domain.ErrPersistence) {
			t.Fatalf("expected ErrPersistence, got %v", err)
		}
		if res.TxHash != testTxHash || res.Status != domain.StatusPending {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("record creation failure stops before signing", func(t *testing.T) {
		gw := newFakeGateway()
		repo := newFakeRecordRepo()
		repo.createErr = errors.New("connection refused")
		exec := newExecutor(gw, repo)

		_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: amount})
		if !errors.Is(err, domain.ErrPersistence) {
			t.Fatalf("expected ErrPersistence, got %v", err)
		}
		if gw.count("sign") != 0 {
			t.Fatalf("expected no signing attempt")
		}
	})

	t.Run("caller cancellation after broadcast does not abort confirmation", func(t *testing.T) {
		gw := newFakeGateway()
		repo := newFakeRecordRepo()
		exec := newExecutor(gw, repo)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		gw.onBroadcast = cancel

		res, err := exec.Transfer(ctx, TransferInput{ToAddress: recipientAddress, Amount: amount})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Status != domain.StatusConfirmed {
			t.Fatalf("expected confirmed, got %s", res.Status)
		}
	})
}

func TestExecutor_Retry(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	transient := &ledger.Error{Op: "balance", Kind: ledger.KindTransient, Reason: ledger.ReasonTimeout}
	permanent := &ledger.Error{Op: "balance", Kind: ledger.KindPermanent, Reason: ledger.ReasonRejected}

	t.Run("transient balance errors are retried", func(t *testing.T) {
		gw := newFakeGateway()
		gw.balanceErrs = []error{transient, transient}
		repo := newFakeRecordRepo()
		exec := NewExecutor(gw, repo, clock.NewFixed(now), WithRetry(3, time.Millisecond))

		_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: decimal.NewFromInt(1)})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if gw.count("balance") != 3 {
			t.Fatalf("expected 3 balance calls, got %d", gw.count("balance"))
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		gw := newFakeGateway()
		gw.balanceErrs = []error{permanent}
		repo := newFakeRecordRepo()
		exec := NewExecutor(gw, repo, clock.NewFixed(now), WithRetry(3, time.Millisecond))

		_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: decimal.NewFromInt(1)})
		if !errors.Is(err, domain.ErrLedgerUnavailable) {
			t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
		}
		if gw.count("balance") != 1 {
			t.Fatalf("expected 1 balance call, got %d", gw.count("balance"))
		}
		if repo.creates != 0 {
			t.Fatalf("expected no record created")
		}
	})

	t.Run("without retry a transient error is reported once", func(t *testing.T) {
		gw := newFakeGateway()
		gw.balanceErrs = []error{transient}
		exec := NewExecutor(gw, newFakeRecordRepo(), clock.NewFixed(now))

		_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: decimal.NewFromInt(1)})
		if !ledger.IsTransient(err) {
			t.Fatalf("expected transient cause to be reachable, got %v", err)
		}
		if gw.count("balance") != 1 {
			t.Fatalf("expected 1 balance call, got %d", gw.count("balance"))
		}
	})
}

func TestExecutor_PlaceTrade(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	price := decimal.RequireFromString("2500.25")

	t.Run("settles order to settlement address", func(t *testing.T) {
		gw := newFakeGateway()
		repo := newFakeRecordRepo()
		exec := NewExecutor(gw, repo, clock.NewFixed(now), WithSettlementAddress(settlementAddress))

		res, err := exec.PlaceTrade(context.Background(), TradeInput{
			SubjectID: "user-7",
			Pair:      "ETH/USDT",
			Amount:    decimal.RequireFromString("0.25"),
			UnitPrice: &price,
			Kind:      domain.KindLimit,
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		rec := repo.records[res.RecordID]
		if rec.Destination != settlementAddress || rec.Pair != "ETH/USDT" {
			t.Fatalf("unexpected record %+v", rec)
		}
		if rec.UnitPrice == nil || !rec.UnitPrice.Equal(price) {
			t.Fatalf("expected unit price %s, got %v", price, rec.UnitPrice)
		}
		if rec.CreatedAt != now || rec.UpdatedAt != now {
			t.Fatalf("expected timestamps from clock, got %v/%v", rec.CreatedAt, rec.UpdatedAt)
		}
		if gw.intents[0].To != settlementAddress {
			t.Fatalf("expected intent to settlement address, got %s", gw.intents[0].To)
		}
	})

	t.Run("missing settlement address is a server error", func(t *testing.T) {
		gw := newFakeGateway()
		exec := NewExecutor(gw, newFakeRecordRepo(), clock.NewFixed(now))

		_, err := exec.PlaceTrade(context.Background(), TradeInput{
			Pair:      "ETH/USDT",
			Amount:    decimal.NewFromInt(1),
			UnitPrice: &price,
			Kind:      domain.KindMarket,
		})
		if err == nil || errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected configuration error, got %v", err)
		}
		if gw.totalCalls() != 0 {
			t.Fatalf("expected no gateway calls")
		}
	})
}

func TestExecutor_Idempotency(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("replay returns stored outcome without ledger calls", func(t *testing.T) {
		repo := newFakeRecordRepo()
		exec := NewExecutor(newFakeGateway(), repo, clock.NewFixed(now))
		in := TransferInput{ToAddress: recipientAddress, Amount: decimal.NewFromInt(1), IdempotencyKey: "idem-1"}

		first, err := exec.Transfer(context.Background(), in)
		if err != nil {
			t.Fatalf("first transfer: %v", err)
		}

		gw := newFakeGateway()
		exec = NewExecutor(gw, repo, clock.NewFixed(now))
		second, err := exec.Transfer(context.Background(), in)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if !second.Replayed || second.RecordID != first.RecordID || second.TxHash != first.TxHash {
			t.Fatalf("expected replay of %+v, got %+v", first, second)
		}
		if gw.totalCalls() != 0 {
			t.Fatalf("expected no gateway calls on replay")
		}
	})

	t.Run("same key with different request conflicts", func(t *testing.T) {
		repo := newFakeRecordRepo()
		exec := NewExecutor(newFakeGateway(), repo, clock.NewFixed(now))

		_, err := exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: decimal.NewFromInt(1), IdempotencyKey: "idem-2"})
		if err != nil {
			t.Fatalf("first transfer: %v", err)
		}
		_, err = exec.Transfer(context.Background(), TransferInput{ToAddress: recipientAddress, Amount: decimal.NewFromInt(2), IdempotencyKey: "idem-2"})
		if !errors.Is(err, domain.ErrIdempotencyConflict) {
			t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
		}
	})
}

func TestExecutor_ReportsElapsedTime(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	gw := newFakeGateway()
	gw.onBroadcast = func() { clk.Advance(12 * time.Second) }
	repo := newFakeRecordRepo()
	obs := newCountingObserver()
	exec := NewExecutor(gw, repo, clk,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithObserver(obs),
	)

	_, err := exec.Transfer(context.Background(), TransferInput{
		ToAddress: recipientAddress,
		Amount:    decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(obs.elapsed) != 1 || obs.elapsed[0] != 12*time.Second {
		t.Fatalf("expected elapsed 12s, got %v", obs.elapsed)
	}
	rec, err := repo.only()
	if err != nil {
		t.Fatal(err)
	}
	if got := rec.UpdatedAt.Sub(rec.CreatedAt); got != 12*time.Second {
		t.Fatalf("expected updated_at 12s after created_at, got %v", got)
	}
}
