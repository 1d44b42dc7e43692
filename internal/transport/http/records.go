package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cimillas/chain-trade/internal/domain"
)

// RecordGetter is the minimal interface needed to look up a record.
type RecordGetter interface {
	GetRecord(ctx context.Context, id string) (domain.Record, error)
}

// HandleGetRecord returns an HTTP handler for GET /records/{id}.
func HandleGetRecord(svc RecordGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		id, ok := parseRecordPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		rec, err := svc.GetRecord(r.Context(), id)
		if err != nil {
			status, resp := mapError(err)
			writeErrorResponse(w, status, resp)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(newRecordResponse(rec))
	}
}

// RecordLister is the minimal interface needed to list records.
type RecordLister interface {
	ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.Record, error)
}

// HandleListRecords returns an HTTP handler for
// GET /records?subject_id=&from=&to=&limit=.
func HandleListRecords(svc RecordLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		filter, err := parseRecordFilter(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
			return
		}

		records, err := svc.ListRecords(r.Context(), filter)
		if err != nil {
			status, resp := mapError(err)
			writeErrorResponse(w, status, resp)
			return
		}

		resp := recordListResponse{Records: make([]recordResponse, 0, len(records))}
		for _, rec := range records {
			resp.Records = append(resp.Records, newRecordResponse(rec))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type recordListResponse struct {
	Records []recordResponse `json:"records"`
}

func parseRecordFilter(q url.Values) (domain.RecordFilter, error) {
	filter := domain.RecordFilter{SubjectID: strings.TrimSpace(q.Get("subject_id"))}

	var err error
	if filter.From, err = parseBound(q.Get("from"), false); err != nil {
		return domain.RecordFilter{}, fmt.Errorf("invalid from: %w", err)
	}
	if filter.To, err = parseBound(q.Get("to"), true); err != nil {
		return domain.RecordFilter{}, fmt.Errorf("invalid to: %w", err)
	}
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			return domain.RecordFilter{}, fmt.Errorf("invalid limit %q", raw)
		}
	}
	return filter, nil
}

// parseBound accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func parseBound(raw string, upper bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp or YYYY-MM-DD, got %q", raw)
	}
	if upper {
		return day.Add(24*time.Hour - time.Millisecond), nil
	}
	return day, nil
}

func parseRecordPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] != "records" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

type recordResponse struct {
	ID              string           `json:"id"`
	SubjectID       string           `json:"subject_id,omitempty"`
	Kind            string           `json:"kind"`
	Source          string           `json:"source"`
	Destination     string           `json:"destination"`
	Pair            string           `json:"pair,omitempty"`
	Amount          decimal.Decimal  `json:"amount"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	Status          string           `json:"status"`
	TransactionHash string           `json:"transaction_hash,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func newRecordResponse(rec domain.Record) recordResponse {
	return recordResponse{
		ID:              rec.ID,
		SubjectID:       rec.SubjectID,
		Kind:            string(rec.Kind),
		Source:          rec.Source,
		Destination:     rec.Destination,
		Pair:            rec.Pair,
		Amount:          rec.Amount,
		UnitPrice:       rec.UnitPrice,
		Status:          string(rec.Status),
		TransactionHash: rec.TxHash,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}
