package delegation

import (
	"context"
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// Repository defines persistence for delegated stock rows, the sub-ledger
// movement log and reconciliations.
type Repository interface {
	// Delegated stock

	// CreateStocks inserts the rows of one delegation batch.
	CreateStocks(ctx context.Context, stocks []DelegatedStock) error

	// GetStock returns one delegated row.
	GetStock(ctx context.Context, stockID id.ID) (*DelegatedStock, error)

	// GetStockForUpdate returns one delegated row with a row lock.
	GetStockForUpdate(ctx context.Context, stockID id.ID) (*DelegatedStock, error)

	// UpdateStock persists bucket and status changes.
	UpdateStock(ctx context.Context, stock *DelegatedStock) error

	// ListStocksByServer returns a seller's rows, optionally filtered by
	// status.
	ListStocksByServer(ctx context.Context, serverID id.ID, statuses ...StockStatus) ([]DelegatedStock, error)

	// ListStocksForUpdate locks and returns a seller's rows in the given
	// statuses, ordered by id for a stable lock order.
	ListStocksForUpdate(ctx context.Context, serverID id.ID, statuses ...StockStatus) ([]DelegatedStock, error)

	// Sub-ledger movements

	// AppendMovements inserts sub-ledger facts.
	AppendMovements(ctx context.Context, movements []Movement) error

	// ListMovements returns the sub-ledger for one delegated row, newest
	// first.
	ListMovements(ctx context.Context, stockID id.ID, limit, offset int) ([]Movement, error)

	// Reconciliations

	// CreateReconciliation inserts a new session. The unique index on
	// (tenant, server) for open/pending rows backs the one-at-a-time rule.
	CreateReconciliation(ctx context.Context, rec *Reconciliation) error

	// GetReconciliation returns a session by id.
	GetReconciliation(ctx context.Context, recID id.ID) (*Reconciliation, error)

	// GetReconciliationForUpdate returns a session with a row lock.
	GetReconciliationForUpdate(ctx context.Context, recID id.ID) (*Reconciliation, error)

	// GetOpenReconciliation returns the seller's open or pending session,
	// or nil when there is none.
	GetOpenReconciliation(ctx context.Context, serverID id.ID) (*Reconciliation, error)

	// UpdateReconciliation persists state and totals.
	UpdateReconciliation(ctx context.Context, rec *Reconciliation) error
}

// CashLedger records validated cash-in facts. Implementations write to the
// cash fact table inside the caller's transaction.
type CashLedger interface {
	RecordCashIn(ctx context.Context, amount types.Money, reference string, serverID id.ID, occurredAt time.Time) error
}
