package http

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/cimillas/chain-trade/internal/app"
	"github.com/cimillas/chain-trade/internal/domain"
)

// TradePlacer is the minimal interface needed to place an order.
type TradePlacer interface {
	PlaceTrade(ctx context.Context, in app.TradeInput) (app.Result, error)
}

// HandleTrade returns an HTTP handler for market and limit orders.
func HandleTrade(svc TradePlacer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		var req tradeRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		res, err := svc.PlaceTrade(r.Context(), app.TradeInput{
			SubjectID:      req.SubjectID,
			Pair:           req.Pair,
			Amount:         req.Amount,
			UnitPrice:      req.UnitPrice,
			Kind:           domain.Kind(req.Kind),
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		if err != nil {
			writeExecutionError(w, err, res, "")
			return
		}
		writeResult(w, res, "")
	}
}

type tradeRequest struct {
	SubjectID string           `json:"subject_id"`
	Pair      string           `json:"pair"`
	Amount    decimal.Decimal  `json:"amount"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
	Kind      string           `json:"kind"`
}
