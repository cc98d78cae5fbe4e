// Package reports provides read-only reporting over the stock ledger and
// the delegated-stock sub-ledger. Reports never mutate ledger state.
package reports

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// --- Inventory Valuation ---

// ValuationFilter defines filter for the inventory valuation report.
type ValuationFilter struct {
	WarehouseIDs []id.ID
	ProductIDs   []id.ID
	ExcludeZero  bool

	Limit  int
	Offset int
}

// ValuationItem is one row of the valuation report.
type ValuationItem struct {
	WarehouseID id.ID          `json:"warehouseId"`
	ProductID   id.ID          `json:"productId"`
	Quantity    types.Quantity `json:"quantity"`
	Reserved    types.Quantity `json:"reserved"`
	Available   types.Quantity `json:"available"`
	CostAverage types.Money    `json:"costAverage"`
	TotalValue  types.Money    `json:"totalValue"`
}

// ValuationReport values on-hand stock at the weighted-average cost.
type ValuationReport struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	Items       []ValuationItem `json:"items"`
	TotalItems  int             `json:"totalItems"`
	TotalValue  types.Money     `json:"totalValue"`
}

// --- Low Stock ---

// LowStockFilter defines filter for the low-stock report.
type LowStockFilter struct {
	WarehouseIDs []id.ID
	// Threshold is the available quantity at or below which a product is
	// flagged.
	Threshold types.Quantity

	Limit  int
	Offset int
}

// LowStockItem is one product at or below the threshold.
type LowStockItem struct {
	WarehouseID id.ID          `json:"warehouseId"`
	ProductID   id.ID          `json:"productId"`
	Quantity    types.Quantity `json:"quantity"`
	Reserved    types.Quantity `json:"reserved"`
	Available   types.Quantity `json:"available"`
}

// LowStockReport lists products needing reorder attention.
type LowStockReport struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Threshold   types.Quantity `json:"threshold"`
	Items       []LowStockItem `json:"items"`
	TotalItems  int            `json:"totalItems"`
}

// --- Turnover ---

// TurnoverReportFilter defines the period and scope of a turnover report.
type TurnoverReportFilter struct {
	FromDate time.Time
	ToDate   time.Time

	WarehouseIDs []id.ID
	ProductIDs   []id.ID

	Limit  int
	Offset int
}

// TurnoverItem is one row of the turnover report.
type TurnoverItem struct {
	WarehouseID    id.ID          `json:"warehouseId"`
	ProductID      id.ID          `json:"productId"`
	OpeningBalance types.Quantity `json:"openingBalance"`
	Receipt        types.Quantity `json:"receipt"`
	Expense        types.Quantity `json:"expense"`
	ClosingBalance types.Quantity `json:"closingBalance"`
}

// TurnoverReport aggregates inbound and outbound quantities per key over a
// period.
type TurnoverReport struct {
	FromDate   time.Time      `json:"fromDate"`
	ToDate     time.Time      `json:"toDate"`
	Items      []TurnoverItem `json:"items"`
	TotalItems int            `json:"totalItems"`

	TotalReceipt types.Quantity `json:"totalReceipt"`
	TotalExpense types.Quantity `json:"totalExpense"`
}

// --- Movement Journal ---

// MovementJournalFilter defines filter for the movement journal.
type MovementJournalFilter struct {
	FromDate *time.Time
	ToDate   *time.Time

	WarehouseIDs  []id.ID
	ProductIDs    []id.ID
	MovementTypes []string
	Reference     string

	Limit  int
	Offset int
}

// MovementJournalItem is one ledger fact in the journal.
type MovementJournalItem struct {
	ID          id.ID          `json:"id"`
	WarehouseID id.ID          `json:"warehouseId"`
	ProductID   id.ID          `json:"productId"`
	Type        string         `json:"type"`
	Quantity    types.Quantity `json:"quantity"`
	UnitCost    types.Money    `json:"unitCost"`
	Reference   string         `json:"reference"`
	ActorID     id.ID          `json:"actorId"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

// MovementJournal is the paginated ledger history.
type MovementJournal struct {
	Items      []MovementJournalItem `json:"items"`
	TotalCount int                   `json:"totalCount"`
	Limit      int                   `json:"limit"`
	Offset     int                   `json:"offset"`
}

// --- Delegation Outstanding ---

// DelegationOutstandingFilter defines filter for the outstanding
// delegated-stock report.
type DelegationOutstandingFilter struct {
	ServerIDs []id.ID

	Limit  int
	Offset int
}

// DelegationOutstandingItem is one seller's open position for a product.
type DelegationOutstandingItem struct {
	ServerID          id.ID          `json:"serverId"`
	ProductID         id.ID          `json:"productId"`
	Batch             string         `json:"batch"`
	QuantityRemaining types.Quantity `json:"quantityRemaining"`
	UnitPrice         types.Money    `json:"unitPrice"`
	UnitCost          types.Money    `json:"unitCost"`
	OutstandingValue  types.Money    `json:"outstandingValue"`
	DelegatedAt       time.Time      `json:"delegatedAt"`
}

// DelegationOutstandingReport lists stock still out with sellers.
type DelegationOutstandingReport struct {
	GeneratedAt time.Time                   `json:"generatedAt"`
	Items       []DelegationOutstandingItem `json:"items"`
	TotalItems  int                         `json:"totalItems"`
	TotalValue  types.Money                 `json:"totalValue"`
}
