package app

import (
	"context"
	"fmt"

	"github.com/cimillas/chain-trade/internal/domain"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type RecordReader interface {
	GetRecord(ctx context.Context, id string) (domain.Record, error)
	ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.Record, error)
}

// RecordService exposes read access to execution records.
type RecordService struct {
	repo RecordReader
}

func NewRecordService(repo RecordReader) *RecordService {
	return &RecordService{repo: repo}
}

func (s *RecordService) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	if id == "" {
		return domain.Record{}, domain.ErrInvalidID
	}
	return s.repo.GetRecord(ctx, id)
}

// ListRecords returns records created within the filter's bounds, newest
// first. A zero limit means defaultListLimit.
func (s *RecordService) ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.Record, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return nil, invalid("from is after to")
	}
	switch {
	case filter.Limit < 0:
		return nil, invalid("invalid limit")
	case filter.Limit == 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		return nil, invalid(fmt.Sprintf("limit exceeds %d", maxListLimit))
	}
	return s.repo.ListRecords(ctx, filter)
}
