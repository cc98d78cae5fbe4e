// Package refgen generates business references for ledger documents.
// Pattern: PREFIX-YYYYMMDD-NNNN (e.g. TRF-20260115-0001), sequenced per
// tenant, prefix and day through an UPSERT on sys_sequences so concurrent
// generators never collide.
package refgen

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
)

// Well-known document prefixes.
const (
	PrefixTransfer       = "TRF"
	PrefixDelegation     = "DLG"
	PrefixReconciliation = "REC"
)

// Querier is the minimal database interface refgen needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds reference formatting configuration.
type Config struct {
	// Prefix added to all references (e.g. "TRF", "REC")
	Prefix string

	// PadWidth is the minimum counter width (default 4)
	PadWidth int

	// ResetDaily restarts the counter every day; the date component makes
	// references unique across resets.
	ResetDaily bool
}

// DefaultConfig returns the standard per-day reference format.
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:     prefix,
		PadWidth:   4,
		ResetDaily: true,
	}
}

// Generator produces the next reference for a document type.
type Generator interface {
	Next(ctx context.Context, cfg Config, at time.Time) (string, error)
}

// Service implements Generator on top of a sys_sequences table.
type Service struct {
	querier Querier
}

// New creates a reference generator backed by the given querier
// (pool or transaction).
func New(querier Querier) *Service {
	return &Service{querier: querier}
}

// Next generates the next reference. The sequence key includes the tenant so
// counters are independent per tenant.
func (s *Service) Next(ctx context.Context, cfg Config, at time.Time) (string, error) {
	if s == nil || s.querier == nil {
		return "", fmt.Errorf("refgen service is not initialized")
	}

	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return "", fmt.Errorf("refgen: %w", err)
	}

	key := buildKey(tenantID, cfg, at)

	var num int64
	err = s.querier.QueryRow(ctx, `
		INSERT INTO sys_sequences (key, current_val)
		VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET current_val = sys_sequences.current_val + 1
		RETURNING current_val
	`, key).Scan(&num)
	if err != nil {
		return "", fmt.Errorf("next sequence value: %w", err)
	}

	return format(cfg, at, num), nil
}

func buildKey(tenantID id.ID, cfg Config, at time.Time) string {
	if cfg.ResetDaily {
		return fmt.Sprintf("%s:%s:%s", tenantID, cfg.Prefix, at.UTC().Format("20060102"))
	}
	return fmt.Sprintf("%s:%s", tenantID, cfg.Prefix)
}

func format(cfg Config, at time.Time, num int64) string {
	pad := cfg.PadWidth
	if pad <= 0 {
		pad = 4
	}
	if cfg.ResetDaily {
		return fmt.Sprintf("%s-%s-%0*d", cfg.Prefix, at.UTC().Format("20060102"), pad, num)
	}
	return fmt.Sprintf("%s-%0*d", cfg.Prefix, pad, num)
}
