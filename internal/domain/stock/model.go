// Package stock implements the warehouse inventory ledger: per-product
// balance records, the append-only movement ledger, weighted-average
// costing and the reservation protocol.
package stock

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// MovementType classifies a ledger entry by the business event that
// produced it.
type MovementType string

const (
	MovementReceipt              MovementType = "receipt"
	MovementSale                 MovementType = "sale"
	MovementAdjustmentIn         MovementType = "adjustment_in"
	MovementAdjustmentOut        MovementType = "adjustment_out"
	MovementTransferOut          MovementType = "transfer_out"
	MovementTransferIn           MovementType = "transfer_in"
	MovementDelegation           MovementType = "delegation"
	MovementReconciliationReturn MovementType = "reconciliation_return"
)

// Direction returns +1 for movements that increase on-hand quantity and
// -1 for movements that decrease it.
func (t MovementType) Direction() int {
	switch t {
	case MovementReceipt, MovementAdjustmentIn, MovementTransferIn, MovementReconciliationReturn:
		return 1
	case MovementSale, MovementAdjustmentOut, MovementTransferOut, MovementDelegation:
		return -1
	default:
		return 0
	}
}

// IsValid reports whether t is a known movement type.
func (t MovementType) IsValid() bool {
	return t.Direction() != 0
}

// StockRecord is the materialized balance for one (tenant, warehouse,
// product) key. Created lazily on first movement, never deleted; mutated
// only by applying movements.
type StockRecord struct {
	ID          id.ID          `json:"id" db:"id"`
	TenantID    id.ID          `json:"tenantId" db:"tenant_id"`
	WarehouseID id.ID          `json:"warehouseId" db:"warehouse_id"`
	ProductID   id.ID          `json:"productId" db:"product_id"`
	Quantity    types.Quantity `json:"quantity" db:"quantity"`
	Reserved    types.Quantity `json:"reserved" db:"reserved"`
	CostAverage types.Money    `json:"costAverage" db:"cost_average"`
	Version     int            `json:"version" db:"version"`
	CreatedAt   time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time      `json:"updatedAt" db:"updated_at"`
}

// Available returns the quantity not held by open reservations.
func (r *StockRecord) Available() types.Quantity {
	return r.Quantity - r.Reserved
}

// Value returns the monetary valuation of the on-hand quantity at the
// current average cost.
func (r *StockRecord) Value() types.Money {
	return r.CostAverage.Mul(r.Quantity.Decimal()).Round(types.CostScale)
}

// Movement is one immutable ledger fact. Once written it is never updated
// or deleted; corrections are new offsetting movements. The movement
// history is the sole rebuild source for StockRecord balances.
type Movement struct {
	ID          id.ID          `json:"id" db:"id"`
	TenantID    id.ID          `json:"tenantId" db:"tenant_id"`
	WarehouseID id.ID          `json:"warehouseId" db:"warehouse_id"`
	ProductID   id.ID          `json:"productId" db:"product_id"`
	Type        MovementType   `json:"type" db:"type"`
	Quantity    types.Quantity `json:"quantity" db:"quantity"`
	UnitCost    types.Money    `json:"unitCost" db:"unit_cost"`
	Reference   string         `json:"reference" db:"reference"`
	Reason      string         `json:"reason,omitempty" db:"reason"`
	ActorID     id.ID          `json:"actorId" db:"actor_id"`
	OccurredAt  time.Time      `json:"occurredAt" db:"occurred_at"`
}

// SignedQuantity returns the quantity with the sign implied by the
// movement type.
func (m *Movement) SignedQuantity() types.Quantity {
	if m.Type.Direction() < 0 {
		return m.Quantity.Neg()
	}
	return m.Quantity
}

// Reservation is a short-lived hold on available quantity, keyed by the
// originating business reference so retried requests stay idempotent.
type Reservation struct {
	ID          id.ID          `json:"id" db:"id"`
	TenantID    id.ID          `json:"tenantId" db:"tenant_id"`
	WarehouseID id.ID          `json:"warehouseId" db:"warehouse_id"`
	ProductID   id.ID          `json:"productId" db:"product_id"`
	Reference   string         `json:"reference" db:"reference"`
	Quantity    types.Quantity `json:"quantity" db:"quantity"`
	CreatedAt   time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time      `json:"updatedAt" db:"updated_at"`
}

// MovementFilter narrows movement history queries.
type MovementFilter struct {
	WarehouseID *id.ID
	ProductID   *id.ID
	Type        *MovementType
	Reference   *string
	FromDate    *time.Time
	ToDate      *time.Time
	Limit       int
	Offset      int
}

// TurnoverFilter selects the scope of a turnover report.
type TurnoverFilter struct {
	WarehouseID *id.ID
	ProductID   *id.ID
	FromDate    time.Time
	ToDate      time.Time
}

// Turnover aggregates inbound and outbound quantities over a period.
type Turnover struct {
	OpeningBalance types.Quantity `json:"openingBalance"`
	Receipt        types.Quantity `json:"receipt"`
	Expense        types.Quantity `json:"expense"`
	ClosingBalance types.Quantity `json:"closingBalance"`
}
