package reports

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"stockledger/pkg/logger"
)

// Cache is a byte-level read-through cache for report payloads. Entries
// are invalidated by the ledger's write path, so short TTLs are only a
// backstop.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

const reportCacheTTL = 5 * time.Minute

// Service generates reports, fronting the heavier queries with a cache.
type Service struct {
	repo  Repository
	cache Cache
}

// NewService creates the reports service. cache may be nil.
func NewService(repo Repository, cache Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// GetValuation values all on-hand stock at the weighted-average cost.
func (s *Service) GetValuation(ctx context.Context, filter ValuationFilter) (*ValuationReport, error) {
	filter.Limit = clampLimit(filter.Limit, 100, 1000)

	var report ValuationReport
	if s.cached(ctx, "valuation", filter, &report) {
		return &report, nil
	}

	out, err := s.repo.GetValuationReport(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("get valuation report: %w", err)
	}
	s.store(ctx, "valuation", filter, out)
	return out, nil
}

// GetLowStock lists products at or below the reorder threshold.
func (s *Service) GetLowStock(ctx context.Context, filter LowStockFilter) (*LowStockReport, error) {
	if filter.Threshold.IsNegative() {
		return nil, fmt.Errorf("threshold must not be negative")
	}
	filter.Limit = clampLimit(filter.Limit, 100, 1000)

	var report LowStockReport
	if s.cached(ctx, "low_stock", filter, &report) {
		return &report, nil
	}

	out, err := s.repo.GetLowStockReport(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("get low stock report: %w", err)
	}
	s.store(ctx, "low_stock", filter, out)
	return out, nil
}

// GetTurnover aggregates period movement per warehouse+product.
func (s *Service) GetTurnover(ctx context.Context, filter TurnoverReportFilter) (*TurnoverReport, error) {
	if filter.FromDate.IsZero() || filter.ToDate.IsZero() {
		return nil, fmt.Errorf("fromDate and toDate are required")
	}
	if filter.FromDate.After(filter.ToDate) {
		return nil, fmt.Errorf("fromDate must be before toDate")
	}
	filter.Limit = clampLimit(filter.Limit, 100, 1000)

	report, err := s.repo.GetTurnoverReport(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("get turnover report: %w", err)
	}
	return report, nil
}

// GetMovementJournal returns the paginated ledger history, newest first.
func (s *Service) GetMovementJournal(ctx context.Context, filter MovementJournalFilter) (*MovementJournal, error) {
	filter.Limit = clampLimit(filter.Limit, 50, 500)

	journal, err := s.repo.GetMovementJournal(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("get movement journal: %w", err)
	}
	return journal, nil
}

// GetDelegationOutstanding lists stock still out with sellers, valued at
// the frozen delegation cost.
func (s *Service) GetDelegationOutstanding(ctx context.Context, filter DelegationOutstandingFilter) (*DelegationOutstandingReport, error) {
	filter.Limit = clampLimit(filter.Limit, 100, 1000)

	report, err := s.repo.GetDelegationOutstanding(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("get delegation outstanding report: %w", err)
	}
	return report, nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func (s *Service) cacheKey(name string, filter any) string {
	raw, err := json.Marshal(filter)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return "report:" + name + ":" + hex.EncodeToString(sum[:8])
}

func (s *Service) cached(ctx context.Context, name string, filter any, out any) bool {
	if s.cache == nil {
		return false
	}
	key := s.cacheKey(name, filter)
	if key == "" {
		return false
	}
	raw, ok := s.cache.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		logger.Warn(ctx, "dropping undecodable cached report", "key", key, "error", err)
		return false
	}
	return true
}

func (s *Service) store(ctx context.Context, name string, filter, report any) {
	if s.cache == nil {
		return
	}
	key := s.cacheKey(name, filter)
	if key == "" {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	s.cache.Set(ctx, key, raw, reportCacheTTL)
}
