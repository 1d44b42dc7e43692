package http

import (
	"encoding/json"
	"net/http"

	"github.com/cimillas/chain-trade/internal/app"
	"github.com/cimillas/chain-trade/internal/domain"
)

const idempotencyHeader = "Idempotency-Key"

type executionResponse struct {
	TransactionHash string `json:"transaction_hash,omitempty"`
	RecordID        string `json:"record_id"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
	Replayed        bool   `json:"replayed,omitempty"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeResult answers with 200 for a settled record, including a replayed
// failed one, and 202 for a replayed one still awaiting its outcome.
func writeResult(w http.ResponseWriter, res app.Result, message string) {
	status := http.StatusOK
	if res.Status == domain.StatusPending {
		status = http.StatusAccepted
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(executionResponse{
		TransactionHash: res.TxHash,
		RecordID:        res.RecordID,
		Status:          string(res.Status),
		Message:         message,
		Replayed:        res.Replayed,
	})
}

// writeExecutionError reports err along with whatever the failed execution
// left behind (record id, transaction hash).
func writeExecutionError(w http.ResponseWriter, err error, res app.Result, message string) {
	status, resp := mapError(err)
	resp.Message = message
	resp.RecordID = res.RecordID
	resp.TransactionHash = res.TxHash
	writeErrorResponse(w, status, resp)
}
