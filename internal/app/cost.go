package app

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/cimillas/chain-trade/internal/ledger"
)

// nativeDecimals is the number of minor units per native coin (wei per ether).
const nativeDecimals = 18

// StandardTransferGas is the gas consumed by a plain value transfer.
const StandardTransferGas uint64 = 21000

// GasOracle is the part of the gateway the cost estimator needs.
type GasOracle interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, intent ledger.TxIntent) (uint64, error)
}

// Cost is the funds a transaction needs, in minor units.
type Cost struct {
	GasPrice      *big.Int
	GasLimit      uint64
	GasBudget     *big.Int
	RequiredTotal *big.Int
}

type CostEstimator struct {
	oracle   GasOracle
	gasUnits uint64
}

func NewCostEstimator(oracle GasOracle, gasUnits uint64) *CostEstimator {
	if gasUnits == 0 {
		gasUnits = StandardTransferGas
	}
	return &CostEstimator{oracle: oracle, gasUnits: gasUnits}
}

// Estimate computes gasBudget = gasUnits * gasPrice and requiredTotal =
// value + gasBudget. gasPriceHint is used when non-nil, otherwise the price
// is fetched. Intents carrying call data are estimated by the ledger.
func (e *CostEstimator) Estimate(ctx context.Context, intent ledger.TxIntent, gasPriceHint *big.Int) (Cost, error) {
	price := gasPriceHint
	if price == nil {
		p, err := e.oracle.GasPrice(ctx)
		if err != nil {
			return Cost{}, err
		}
		price = p
	}

	units := e.gasUnits
	if len(intent.Data) > 0 {
		intent.GasPrice = price
		estimated, err := e.oracle.EstimateGas(ctx, intent)
		if err != nil {
			return Cost{}, err
		}
		units = estimated
	}

	budget := new(big.Int).Mul(new(big.Int).SetUint64(units), price)
	total := new(big.Int).Set(budget)
	if intent.Value != nil {
		total.Add(total, intent.Value)
	}
	return Cost{
		GasPrice:      new(big.Int).Set(price),
		GasLimit:      units,
		GasBudget:     budget,
		RequiredTotal: total,
	}, nil
}

// Sufficient reports whether balance covers required.
func Sufficient(balance, required *big.Int) bool {
	if balance == nil || required == nil {
		return false
	}
	return balance.Cmp(required) >= 0
}

// ToMinorUnits converts a native-coin amount to minor units. The amount must
// have at most nativeDecimals fractional digits.
func ToMinorUnits(amount decimal.Decimal) (*big.Int, error) {
	if !withinMagnitude(amount) {
		return nil, invalid("amount out of range")
	}
	shifted := amount.Shift(nativeDecimals)
	if !shifted.IsInteger() {
		return nil, invalid("amount exceeds ledger precision")
	}
	return shifted.BigInt(), nil
}
