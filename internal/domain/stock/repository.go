package stock

import (
	"context"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// Repository defines persistence for stock records, movements and
// reservations. All methods are tenant-scoped through the context and are
// expected to run inside the caller's transaction.
type Repository interface {
	// Record operations

	// GetRecord returns the balance for warehouse+product. Returns a zero
	// record (not an error) when no movement has touched the key yet.
	GetRecord(ctx context.Context, warehouseID, productID id.ID) (StockRecord, error)

	// GetRecordForUpdate returns the balance with a row lock, creating the
	// row if it does not exist yet. Every mutating command goes through
	// this lock.
	GetRecordForUpdate(ctx context.Context, warehouseID, productID id.ID) (StockRecord, error)

	// UpdateRecord persists new balance values for a locked record.
	UpdateRecord(ctx context.Context, record *StockRecord) error

	// ListRecordsByWarehouse returns balances for a warehouse.
	ListRecordsByWarehouse(ctx context.Context, warehouseID id.ID, excludeZero bool) ([]StockRecord, error)

	// ListRecordsByProduct returns balances across warehouses for a product.
	ListRecordsByProduct(ctx context.Context, productID id.ID) ([]StockRecord, error)

	// Movement operations

	// AppendMovements batch inserts ledger facts.
	AppendMovements(ctx context.Context, movements []Movement) error

	// MovementExists reports whether a movement with the given type and
	// reference was already recorded for the key (idempotency guard).
	MovementExists(ctx context.Context, warehouseID, productID id.ID, movementType MovementType, reference string) (bool, error)

	// ListMovements returns movement history matching the filter, newest
	// first.
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)

	// GetTurnover aggregates inbound/outbound totals for a period.
	GetTurnover(ctx context.Context, filter TurnoverFilter) (Turnover, error)

	// Reservation operations

	// GetReservation returns the hold for (warehouse, product, reference),
	// or a zero-quantity reservation when none exists.
	GetReservation(ctx context.Context, warehouseID, productID id.ID, reference string) (Reservation, error)

	// SaveReservation inserts or updates a hold.
	SaveReservation(ctx context.Context, res *Reservation) error

	// DeleteReservation removes a fully released hold.
	DeleteReservation(ctx context.Context, warehouseID, productID id.ID, reference string) error

	// Maintenance

	// RebuildRecord recomputes quantity from the movement ledger for one
	// key and reports the recomputed value. Reserved and cost_average are
	// not rebuilt; the movement ledger does not carry reservation facts.
	RebuildRecord(ctx context.Context, warehouseID, productID id.ID) (types.Quantity, error)
}
