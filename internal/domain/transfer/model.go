// Package transfer implements inter-warehouse stock transfers as an
// explicit state machine over the stock ledger.
package transfer

import (
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// Status is the transfer lifecycle state.
type Status string

const (
	StatusRequested Status = "requested"
	StatusApproved  Status = "approved"
	StatusInTransit Status = "in_transit"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// transitions lists the allowed state changes. Cancel is only possible
// before execution; once stock left the source warehouse the transfer must
// run to completion.
var transitions = map[Status][]Status{
	StatusRequested: {StatusApproved, StatusRejected},
	StatusApproved:  {StatusInTransit, StatusCancelled},
	StatusInTransit: {StatusCompleted},
}

// CanTransition reports whether from -> to is an allowed state change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transfer moves stock between two warehouses of the same tenant.
type Transfer struct {
	ID              id.ID     `json:"id" db:"id"`
	TenantID        id.ID     `json:"tenantId" db:"tenant_id"`
	Reference       string    `json:"reference" db:"reference"`
	FromWarehouseID id.ID     `json:"fromWarehouseId" db:"from_warehouse_id"`
	ToWarehouseID   id.ID     `json:"toWarehouseId" db:"to_warehouse_id"`
	Status          Status    `json:"status" db:"status"`
	Note            string    `json:"note,omitempty" db:"note"`
	RequestedBy     id.ID     `json:"requestedBy" db:"requested_by"`
	ApprovedBy      id.ID     `json:"approvedBy,omitempty" db:"approved_by"`
	StatusReason    string    `json:"statusReason,omitempty" db:"status_reason"`
	RequestedAt     time.Time `json:"requestedAt" db:"requested_at"`
	ExecutedAt      *time.Time `json:"executedAt,omitempty" db:"executed_at"`
	CompletedAt     *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	Version         int       `json:"version" db:"version"`

	Lines []Line `json:"lines" db:"-"`
}

// Line is one product position on a transfer. Approved may be lower than
// requested, received may be lower than approved; the gap between sent and
// received is the variance.
type Line struct {
	ID                id.ID          `json:"id" db:"id"`
	TransferID        id.ID          `json:"transferId" db:"transfer_id"`
	ProductID         id.ID          `json:"productId" db:"product_id"`
	QuantityRequested types.Quantity `json:"quantityRequested" db:"quantity_requested"`
	QuantityApproved  types.Quantity `json:"quantityApproved" db:"quantity_approved"`
	QuantityReceived  types.Quantity `json:"quantityReceived" db:"quantity_received"`
	// UnitCost is the source warehouse's cost_average snapshotted at
	// execution; it travels with the goods so destination valuation stays
	// continuous.
	UnitCost types.Money `json:"unitCost" db:"unit_cost"`
}

// Variance returns the quantity sent but never received.
func (l *Line) Variance() types.Quantity {
	return l.QuantityApproved - l.QuantityReceived
}

// Validate checks a transfer before it is persisted.
func (t *Transfer) Validate() error {
	if id.IsNil(t.FromWarehouseID) || id.IsNil(t.ToWarehouseID) {
		return apperror.NewValidation("both warehouses are required")
	}
	if t.FromWarehouseID == t.ToWarehouseID {
		return apperror.NewValidation("source and destination warehouses must differ")
	}
	if len(t.Lines) == 0 {
		return apperror.NewValidation("transfer requires at least one line")
	}
	seen := make(map[id.ID]struct{}, len(t.Lines))
	for i := range t.Lines {
		line := &t.Lines[i]
		if id.IsNil(line.ProductID) {
			return apperror.NewValidation("line product is required")
		}
		if _, ok := seen[line.ProductID]; ok {
			return apperror.NewValidation("duplicate product on transfer: " + line.ProductID.String())
		}
		seen[line.ProductID] = struct{}{}
		if !line.QuantityRequested.IsPositive() {
			return apperror.NewInvalidQuantity("quantity_requested", line.QuantityRequested.String())
		}
	}
	return nil
}

// transition moves the transfer to a new state or fails with
// InvalidStateTransition.
func (t *Transfer) transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return apperror.NewInvalidStateTransition("transfer", string(t.Status), string(to))
	}
	t.Status = to
	return nil
}

// ListFilter narrows transfer listings.
type ListFilter struct {
	WarehouseID *id.ID
	Status      *Status
	FromDate    *time.Time
	ToDate      *time.Time
	Limit       int
	Offset      int
}
