// Package delegation implements the delegated-stock sub-ledger: inventory
// handed to front-line sellers outside the warehouses, tracked per seller
// in four buckets (remaining, sold, returned, lost) and settled through a
// cash reconciliation.
package delegation

import (
	"fmt"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// StockStatus is the lifecycle of one delegated batch row.
type StockStatus string

const (
	StockActive      StockStatus = "active"
	StockReconciling StockStatus = "reconciling"
	StockSettled     StockStatus = "settled"
)

// DelegatedStock is one product handed to one seller in one delegation
// batch. UnitCost is frozen from the warehouse cost_average at delegation
// time and never recalculated; UnitPrice is the seller's selling price,
// which can diverge from the warehouse price list.
type DelegatedStock struct {
	ID          id.ID  `json:"id" db:"id"`
	TenantID    id.ID  `json:"tenantId" db:"tenant_id"`
	ServerID    id.ID  `json:"serverId" db:"server_id"`
	WarehouseID id.ID  `json:"warehouseId" db:"warehouse_id"`
	ProductID   id.ID  `json:"productId" db:"product_id"`
	Batch       string `json:"batch" db:"batch"`

	QuantityDelegated types.Quantity `json:"quantityDelegated" db:"quantity_delegated"`
	QuantityRemaining types.Quantity `json:"quantityRemaining" db:"quantity_remaining"`
	QuantitySold      types.Quantity `json:"quantitySold" db:"quantity_sold"`
	QuantityReturned  types.Quantity `json:"quantityReturned" db:"quantity_returned"`
	QuantityLost      types.Quantity `json:"quantityLost" db:"quantity_lost"`

	UnitPrice  types.Money `json:"unitPrice" db:"unit_price"`
	UnitCost   types.Money `json:"unitCost" db:"unit_cost"`
	TotalSales types.Money `json:"totalSales" db:"total_sales"`

	Status      StockStatus `json:"status" db:"status"`
	DelegatedAt time.Time   `json:"delegatedAt" db:"delegated_at"`
	SettledAt   *time.Time  `json:"settledAt,omitempty" db:"settled_at"`
	Version     int         `json:"version" db:"version"`
}

// CheckInvariant panics when the four buckets stop summing to the
// delegated quantity. A violation means a command mutated buckets without
// balancing them, which is a bug, not a user error.
func (s *DelegatedStock) CheckInvariant() {
	sum := s.QuantityRemaining + s.QuantitySold + s.QuantityReturned + s.QuantityLost
	if sum != s.QuantityDelegated {
		panic(fmt.Sprintf(
			"delegated stock %s buckets out of balance: delegated=%s remaining=%s sold=%s returned=%s lost=%s",
			s.ID, s.QuantityDelegated, s.QuantityRemaining, s.QuantitySold, s.QuantityReturned, s.QuantityLost,
		))
	}
}

// MovementKind classifies sub-ledger movements.
type MovementKind string

const (
	KindDelegation MovementKind = "delegation"
	KindSale       MovementKind = "sale"
	KindReturn     MovementKind = "return"
	KindLoss       MovementKind = "loss"
	KindSettlement MovementKind = "settlement"
)

// Movement is one immutable sub-ledger fact, carrying the remaining
// quantity before and after for straightforward auditing.
type Movement struct {
	ID               id.ID          `json:"id" db:"id"`
	TenantID         id.ID          `json:"tenantId" db:"tenant_id"`
	DelegatedStockID id.ID          `json:"delegatedStockId" db:"delegated_stock_id"`
	ServerID         id.ID          `json:"serverId" db:"server_id"`
	ProductID        id.ID          `json:"productId" db:"product_id"`
	Kind             MovementKind   `json:"kind" db:"kind"`
	Quantity         types.Quantity `json:"quantity" db:"quantity"`
	QuantityBefore   types.Quantity `json:"quantityBefore" db:"quantity_before"`
	QuantityAfter    types.Quantity `json:"quantityAfter" db:"quantity_after"`
	UnitPrice        types.Money    `json:"unitPrice" db:"unit_price"`
	TotalAmount      types.Money    `json:"totalAmount" db:"total_amount"`
	Reference        string         `json:"reference" db:"reference"`
	Reason           string         `json:"reason,omitempty" db:"reason"`
	ActorID          id.ID          `json:"actorId" db:"actor_id"`
	OccurredAt       time.Time      `json:"occurredAt" db:"occurred_at"`
}

// ReconciliationStatus is the reconciliation lifecycle state.
type ReconciliationStatus string

const (
	ReconciliationOpen      ReconciliationStatus = "open"
	ReconciliationPending   ReconciliationStatus = "pending"
	ReconciliationValidated ReconciliationStatus = "validated"
	ReconciliationDisputed  ReconciliationStatus = "disputed"
)

// Reconciliation is one seller cash-out session. The seller reports
// CashCollected; CashExpected is recomputed from the delegated rows, and
// the difference stays visible for the manager's decision.
type Reconciliation struct {
	ID           id.ID                `json:"id" db:"id"`
	TenantID     id.ID                `json:"tenantId" db:"tenant_id"`
	ServerID     id.ID                `json:"serverId" db:"server_id"`
	Reference    string               `json:"reference" db:"reference"`
	Status       ReconciliationStatus `json:"status" db:"status"`
	SessionStart time.Time            `json:"sessionStart" db:"session_start"`
	SessionEnd   *time.Time           `json:"sessionEnd,omitempty" db:"session_end"`

	TotalDelegatedValue types.Money `json:"totalDelegatedValue" db:"total_delegated_value"`
	TotalSales          types.Money `json:"totalSales" db:"total_sales"`
	TotalReturnedValue  types.Money `json:"totalReturnedValue" db:"total_returned_value"`
	TotalLossesValue    types.Money `json:"totalLossesValue" db:"total_losses_value"`
	CashExpected        types.Money `json:"cashExpected" db:"cash_expected"`
	CashCollected       types.Money `json:"cashCollected" db:"cash_collected"`
	CashDifference      types.Money `json:"cashDifference" db:"cash_difference"`

	ServerNotes  string `json:"serverNotes,omitempty" db:"server_notes"`
	ManagerNotes string `json:"managerNotes,omitempty" db:"manager_notes"`
	ManagerID    id.ID  `json:"managerId,omitempty" db:"manager_id"`
	Version      int    `json:"version" db:"version"`
}

// transition moves the reconciliation to a new state or fails with
// InvalidStateTransition.
func (r *Reconciliation) transition(to ReconciliationStatus) error {
	allowed := map[ReconciliationStatus][]ReconciliationStatus{
		ReconciliationOpen:    {ReconciliationPending},
		ReconciliationPending: {ReconciliationValidated, ReconciliationDisputed},
	}
	for _, next := range allowed[r.Status] {
		if next == to {
			r.Status = to
			return nil
		}
	}
	return apperror.NewInvalidStateTransition("reconciliation", string(r.Status), string(to))
}

// IsOpen reports whether the reconciliation still blocks a new session.
func (r *Reconciliation) IsOpen() bool {
	return r.Status == ReconciliationOpen || r.Status == ReconciliationPending
}

// recalculateTotals refreshes the monetary summary from the session's
// delegated rows. CashExpected follows total sales.
func (r *Reconciliation) recalculateTotals(stocks []DelegatedStock) {
	r.TotalDelegatedValue = types.ZeroMoney()
	r.TotalSales = types.ZeroMoney()
	r.TotalReturnedValue = types.ZeroMoney()
	r.TotalLossesValue = types.ZeroMoney()
	for i := range stocks {
		s := &stocks[i]
		r.TotalDelegatedValue = r.TotalDelegatedValue.Add(s.UnitPrice.Mul(s.QuantityDelegated.Decimal()))
		r.TotalSales = r.TotalSales.Add(s.TotalSales)
		r.TotalReturnedValue = r.TotalReturnedValue.Add(s.UnitPrice.Mul(s.QuantityReturned.Decimal()))
		r.TotalLossesValue = r.TotalLossesValue.Add(s.UnitPrice.Mul(s.QuantityLost.Decimal()))
	}
	r.CashExpected = r.TotalSales
	r.CashDifference = r.CashCollected.Sub(r.CashExpected)
}
