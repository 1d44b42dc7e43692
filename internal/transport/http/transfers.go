package http

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/cimillas/chain-trade/internal/app"
	"github.com/cimillas/chain-trade/internal/domain"
)

const (
	transferConfirmedMessage = "transfer confirmed"
	transferPendingMessage   = "transfer pending"
	transferFailedMessage    = "transfer failed"
)

// Transferrer is the minimal interface needed to move native currency.
type Transferrer interface {
	Transfer(ctx context.Context, in app.TransferInput) (app.Result, error)
}

// HandleTransfer returns an HTTP handler for account-to-account transfers.
func HandleTransfer(svc Transferrer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		var req transferRequest
		if err := decodeBody(r, &req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, errorResponse{
				Message: transferFailedMessage,
				Error:   "invalid request body",
				Code:    codeInvalidRequestBody,
			})
			return
		}

		res, err := svc.Transfer(r.Context(), app.TransferInput{
			SubjectID:      req.SubjectID,
			FromAddress:    req.FromAddress,
			ToAddress:      req.ToAddress,
			Amount:         req.Amount,
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		if err != nil {
			writeExecutionError(w, err, res, transferFailedMessage)
			return
		}

		writeResult(w, res, transferMessage(res.Status))
	}
}

// transferMessage describes a transfer by its record status. Failed results
// only reach it as idempotent replays.
func transferMessage(status domain.Status) string {
	switch status {
	case domain.StatusConfirmed:
		return transferConfirmedMessage
	case domain.StatusFailed:
		return transferFailedMessage
	default:
		return transferPendingMessage
	}
}

type transferRequest struct {
	SubjectID   string          `json:"subject_id"`
	FromAddress string          `json:"from_address"`
	ToAddress   string          `json:"to_address"`
	Amount      decimal.Decimal `json:"amount"`
}
