package refgen

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
)

// mockQuerier returns scripted sequence values and records the keys it saw.
type mockQuerier struct {
	values []int64
	calls  int
	keys   []string
}

type mockRow struct {
	value int64
	err   error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) > 0 {
		if p, ok := dest[0].(*int64); ok {
			*p = r.value
		}
	}
	return nil
}

func (m *mockQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if len(args) > 0 {
		if k, ok := args[0].(string); ok {
			m.keys = append(m.keys, k)
		}
	}
	v := int64(1)
	if m.calls < len(m.values) {
		v = m.values[m.calls]
	}
	m.calls++
	return &mockRow{value: v}
}

func testContext(t *testing.T) (context.Context, id.ID) {
	t.Helper()
	tenantID := id.New()
	ctx := tenant.WithScope(context.Background(), tenant.Scope{
		TenantID: tenantID,
		ActorID:  id.New(),
	})
	return ctx, tenantID
}

func TestNext_DailyFormat(t *testing.T) {
	ctx, _ := testContext(t)
	q := &mockQuerier{values: []int64{1, 2, 42}}
	svc := New(q)

	at := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	cfg := DefaultConfig(PrefixTransfer)

	ref, err := svc.Next(ctx, cfg, at)
	require.NoError(t, err)
	assert.Equal(t, "TRF-20260115-0001", ref)

	ref, err = svc.Next(ctx, cfg, at)
	require.NoError(t, err)
	assert.Equal(t, "TRF-20260115-0002", ref)

	ref, err = svc.Next(ctx, cfg, at)
	require.NoError(t, err)
	assert.Equal(t, "TRF-20260115-0042", ref)
}

func TestNext_KeyIncludesTenantAndDay(t *testing.T) {
	ctx, tenantID := testContext(t)
	q := &mockQuerier{}
	svc := New(q)

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Next(ctx, DefaultConfig(PrefixReconciliation), at)
	require.NoError(t, err)

	require.Len(t, q.keys, 1)
	assert.Equal(t, tenantID.String()+":REC:20260301", q.keys[0])
}

func TestNext_NoDailyReset(t *testing.T) {
	ctx, tenantID := testContext(t)
	q := &mockQuerier{values: []int64{7}}
	svc := New(q)

	cfg := Config{Prefix: "DLG", PadWidth: 6}
	ref, err := svc.Next(ctx, cfg, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "DLG-000007", ref)
	require.Len(t, q.keys, 1)
	assert.Equal(t, tenantID.String()+":DLG", q.keys[0])
}

func TestNext_RequiresTenantScope(t *testing.T) {
	svc := New(&mockQuerier{})
	_, err := svc.Next(context.Background(), DefaultConfig(PrefixTransfer), time.Now())
	assert.Error(t, err)
}

func TestNext_PadWidthOverflow(t *testing.T) {
	ctx, _ := testContext(t)
	q := &mockQuerier{values: []int64{12345}}
	svc := New(q)

	at := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	ref, err := svc.Next(ctx, DefaultConfig(PrefixTransfer), at)
	require.NoError(t, err)

	// counters past the pad width widen rather than truncate
	assert.Equal(t, "TRF-20260115-12345", ref)
}
