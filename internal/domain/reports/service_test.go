package reports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

type stubRepo struct {
	valuationCalls int
	valuation      *ValuationReport
}

func (r *stubRepo) GetValuationReport(_ context.Context, _ ValuationFilter) (*ValuationReport, error) {
	r.valuationCalls++
	return r.valuation, nil
}

func (r *stubRepo) GetLowStockReport(_ context.Context, filter LowStockFilter) (*LowStockReport, error) {
	return &LowStockReport{Threshold: filter.Threshold}, nil
}

func (r *stubRepo) GetTurnoverReport(_ context.Context, filter TurnoverReportFilter) (*TurnoverReport, error) {
	return &TurnoverReport{FromDate: filter.FromDate, ToDate: filter.ToDate}, nil
}

func (r *stubRepo) GetMovementJournal(_ context.Context, filter MovementJournalFilter) (*MovementJournal, error) {
	return &MovementJournal{Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (r *stubRepo) GetDelegationOutstanding(_ context.Context, _ DelegationOutstandingFilter) (*DelegationOutstandingReport, error) {
	return &DelegationOutstandingReport{}, nil
}

type memCache struct {
	entries map[string][]byte
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.entries[key]
	return v, ok
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	c.entries[key] = value
}

func TestGetValuation_CacheReadThrough(t *testing.T) {
	repo := &stubRepo{valuation: &ValuationReport{
		GeneratedAt: time.Now().UTC(),
		Items: []ValuationItem{{
			WarehouseID: id.New(),
			ProductID:   id.New(),
			Quantity:    types.NewQuantityFromInt(30),
			CostAverage: types.MustMoney("600"),
			TotalValue:  types.MustMoney("18000"),
		}},
		TotalItems: 1,
		TotalValue: types.MustMoney("18000"),
	}}
	cache := &memCache{entries: make(map[string][]byte)}
	svc := NewService(repo, cache)

	filter := ValuationFilter{ExcludeZero: true}
	first, err := svc.GetValuation(context.Background(), filter)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.valuationCalls)

	second, err := svc.GetValuation(context.Background(), filter)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.valuationCalls, "second read served from cache")
	assert.Equal(t, first.TotalItems, second.TotalItems)
	assert.True(t, first.TotalValue.Equal(second.TotalValue))

	// a different filter misses the cache
	_, err = svc.GetValuation(context.Background(), ValuationFilter{ExcludeZero: false})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.valuationCalls)
}

func TestGetValuation_NilCache(t *testing.T) {
	repo := &stubRepo{valuation: &ValuationReport{}}
	svc := NewService(repo, nil)

	_, err := svc.GetValuation(context.Background(), ValuationFilter{})
	require.NoError(t, err)
	_, err = svc.GetValuation(context.Background(), ValuationFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.valuationCalls)
}

func TestGetTurnover_Validation(t *testing.T) {
	svc := NewService(&stubRepo{}, nil)
	now := time.Now()

	_, err := svc.GetTurnover(context.Background(), TurnoverReportFilter{})
	assert.Error(t, err)

	_, err = svc.GetTurnover(context.Background(), TurnoverReportFilter{
		FromDate: now,
		ToDate:   now.Add(-time.Hour),
	})
	assert.Error(t, err)

	_, err = svc.GetTurnover(context.Background(), TurnoverReportFilter{
		FromDate: now.Add(-time.Hour),
		ToDate:   now,
	})
	assert.NoError(t, err)
}

func TestGetLowStock_RejectsNegativeThreshold(t *testing.T) {
	svc := NewService(&stubRepo{}, nil)

	_, err := svc.GetLowStock(context.Background(), LowStockFilter{Threshold: types.NewQuantityFromInt(-1)})
	assert.Error(t, err)
}

func TestGetMovementJournal_LimitClamped(t *testing.T) {
	svc := NewService(&stubRepo{}, nil)

	journal, err := svc.GetMovementJournal(context.Background(), MovementJournalFilter{Limit: 9999})
	require.NoError(t, err)
	assert.Equal(t, 500, journal.Limit)

	journal, err = svc.GetMovementJournal(context.Background(), MovementJournalFilter{})
	require.NoError(t, err)
	assert.Equal(t, 50, journal.Limit)
}
