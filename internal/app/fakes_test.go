package app

import (
	"context"
	"errors"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/cimillas/chain-trade/internal/domain"
	"github.com/cimillas/chain-trade/internal/ledger"
)

const (
	signerAddress     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	settlementAddress = "0x49cEb5bbc998b876b32169c9a2Ba56855bCd54da"
	recipientAddress  = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testTxHash        = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
)

// oneEther is 10^18 minor units.
var oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func ether(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), oneEther)
}

type fakeGateway struct {
	mu sync.Mutex

	balance      *big.Int
	balanceErrs  []error
	gasPrice     *big.Int
	gasPriceErr  error
	signErr      error
	broadcastErr error
	receipt      ledger.Receipt
	receiptErr   error
	blockReceipt bool
	onBroadcast  func()

	calls   map[string]int
	intents []ledger.TxIntent
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balance:  ether(10),
		gasPrice: big.NewInt(20_000_000_000),
		receipt:  ledger.Receipt{Hash: testTxHash, Success: true, BlockNumber: 100},
		calls:    make(map[string]int),
	}
}

func (f *fakeGateway) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeGateway) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeGateway) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeGateway) Address() string { return signerAddress }

func (f *fakeGateway) Balance(_ context.Context, _ string) (*big.Int, error) {
	f.record("balance")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.balanceErrs) > 0 {
		err := f.balanceErrs[0]
		f.balanceErrs = f.balanceErrs[1:]
		return nil, err
	}
	return f.balance, nil
}

func (f *fakeGateway) GasPrice(context.Context) (*big.Int, error) {
	f.record("gas_price")
	if f.gasPriceErr != nil {
		return nil, f.gasPriceErr
	}
	return f.gasPrice, nil
}

func (f *fakeGateway) EstimateGas(context.Context, ledger.TxIntent) (uint64, error) {
	f.record("estimate_gas")
	return 50_000, nil
}

func (f *fakeGateway) Sign(_ context.Context, intent ledger.TxIntent) (ledger.SignedTx, error) {
	f.record("sign")
	f.mu.Lock()
	f.intents = append(f.intents, intent)
	f.mu.Unlock()
	if f.signErr != nil {
		return ledger.SignedTx{}, f.signErr
	}
	return ledger.SignedTx{Hash: testTxHash, Raw: []byte{0x01}}, nil
}

func (f *fakeGateway) Broadcast(context.Context, ledger.SignedTx) (ledger.PendingTx, error) {
	f.record("broadcast")
	if f.broadcastErr != nil {
		return ledger.PendingTx{}, f.broadcastErr
	}
	if f.onBroadcast != nil {
		f.onBroadcast()
	}
	return ledger.PendingTx{Hash: testTxHash}, nil
}

func (f *fakeGateway) AwaitReceipt(ctx context.Context, _ ledger.PendingTx) (ledger.Receipt, error) {
	f.record("receipt")
	if f.blockReceipt {
		<-ctx.Done()
		return ledger.Receipt{}, &ledger.Error{Op: "receipt", Kind: ledger.KindTransient, Reason: ledger.ReasonTimeout, Err: ctx.Err()}
	}
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	if f.receiptErr != nil {
		return ledger.Receipt{}, f.receiptErr
	}
	return f.receipt, nil
}

type fakeRecordRepo struct {
	mu        sync.Mutex
	records   map[string]domain.Record
	byKey     map[string]string
	createErr error
	updateErr error
	creates   int
	updates   int
	filters   []domain.RecordFilter
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{
		records: make(map[string]domain.Record),
		byKey:   make(map[string]string),
	}
}

func (f *fakeRecordRepo) CreateRecord(_ context.Context, rec domain.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	if rec.IdempotencyKey != "" {
		if _, exists := f.byKey[rec.IdempotencyKey]; exists {
			return "", domain.ErrIdempotencyConflict
		}
		f.byKey[rec.IdempotencyKey] = rec.ID
	}
	f.records[rec.ID] = rec
	return rec.ID, nil
}

func (f *fakeRecordRepo) UpdateRecordStatus(_ context.Context, id string, status domain.Status, txHash string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		return f.updateErr
	}
	if !status.Terminal() {
		return domain.ErrInvalidTransition
	}
	rec, ok := f.records[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if rec.Status.Terminal() {
		if rec.Status == status {
			return nil
		}
		return domain.ErrStatusConflict
	}
	rec.Status = status
	rec.TxHash = txHash
	rec.UpdatedAt = at
	f.records[id] = rec
	return nil
}

func (f *fakeRecordRepo) GetRecord(_ context.Context, id string) (domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return domain.Record{}, domain.ErrRecordNotFound
	}
	return rec, nil
}

func (f *fakeRecordRepo) FindRecordByIdempotencyKey(_ context.Context, key string) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[key]
	if !ok {
		return nil, nil
	}
	rec := f.records[id]
	return &rec, nil
}

func (f *fakeRecordRepo) ListRecords(_ context.Context, filter domain.RecordFilter) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	var out []domain.Record
	for _, rec := range f.records {
		if filter.SubjectID != "" && rec.SubjectID != filter.SubjectID {
			continue
		}
		if !filter.From.IsZero() && rec.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b domain.Record) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRecordRepo) only() (domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) != 1 {
		return domain.Record{}, errors.New("expected exactly one record")
	}
	for _, rec := range f.records {
		return rec, nil
	}
	return domain.Record{}, nil
}

type countingObserver struct {
	mu                  sync.Mutex
	finished            map[domain.Status]int
	elapsed             []time.Duration
	stageFailures       map[Stage]int
	compensationFailure int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		finished:      make(map[domain.Status]int),
		stageFailures: make(map[Stage]int),
	}
}

func (o *countingObserver) ExecutionFinished(_ domain.Kind, status domain.Status, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[status]++
	o.elapsed = append(o.elapsed, elapsed)
}

func (o *countingObserver) StageFailed(stage Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stageFailures[stage]++
}

func (o *countingObserver) CompensationFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.compensationFailure++
}
