package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/cimillas/chain-trade/internal/domain"
)

const (
	codeMethodNotAllowed    = "method_not_allowed"
	codeNotFound            = "not_found"
	codeInvalidRequestBody  = "invalid_request_body"
	codeInvalidQuery        = "invalid_query"
	codeValidation          = "validation_error"
	codeInvalidID           = "invalid_id"
	codeInsufficientFunds   = "insufficient_funds"
	codeSigningFailed       = "signing_failed"
	codeBroadcastFailed     = "broadcast_failed"
	codeReceiptTimeout      = "receipt_timeout"
	codeTransactionReverted = "transaction_reverted"
	codeLedgerUnavailable   = "ledger_unavailable"
	codePersistenceFailed   = "persistence_failed"
	codeRecordNotFound      = "record_not_found"
	codeIdempotencyConflict = "idempotency_conflict"
	codeStatusConflict      = "status_conflict"
	codeForbidden           = "forbidden"
	codeInternalError       = "internal_error"
)

type errorResponse struct {
	Message         string `json:"message,omitempty"`
	Error           string `json:"error"`
	Code            string `json:"code"`
	Cause           string `json:"cause,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	RecordID        string `json:"record_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeErrorResponse(w, status, errorResponse{Error: msg, Code: code})
}

func writeErrorResponse(w http.ResponseWriter, status int, resp errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(resp)
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the first matching sentinel wins.
var errorMappings = []errorMapping{
	{domain.ErrValidation, http.StatusBadRequest, codeValidation},
	{domain.ErrInvalidID, http.StatusBadRequest, codeInvalidID},
	{domain.ErrInsufficientFunds, http.StatusPaymentRequired, codeInsufficientFunds},
	{domain.ErrRecordNotFound, http.StatusNotFound, codeRecordNotFound},
	{domain.ErrIdempotencyConflict, http.StatusConflict, codeIdempotencyConflict},
	{domain.ErrStatusConflict, http.StatusConflict, codeStatusConflict},
	{domain.ErrSigning, http.StatusInternalServerError, codeSigningFailed},
	{domain.ErrBroadcast, http.StatusInternalServerError, codeBroadcastFailed},
	{domain.ErrReceiptTimeout, http.StatusInternalServerError, codeReceiptTimeout},
	{domain.ErrTransactionReverted, http.StatusInternalServerError, codeTransactionReverted},
	{domain.ErrLedgerUnavailable, http.StatusInternalServerError, codeLedgerUnavailable},
	{domain.ErrPersistence, http.StatusInternalServerError, codePersistenceFailed},
}

// mapError turns a service error into a status and response body. Errors
// that match no sentinel are reported as a bare internal error.
func mapError(err error) (int, errorResponse) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			resp := errorResponse{Error: m.target.Error(), Code: m.code}
			if m.status == http.StatusBadRequest {
				resp.Error = err.Error()
			} else {
				resp.Cause = causeOf(err, m.target)
			}
			return m.status, resp
		}
	}
	return http.StatusInternalServerError, errorResponse{Error: "internal error", Code: codeInternalError}
}

// causeOf returns the detail err carries after sentinel's text.
func causeOf(err, sentinel error) string {
	return strings.TrimPrefix(strings.TrimPrefix(err.Error(), sentinel.Error()), ": ")
}
