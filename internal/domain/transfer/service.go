package transfer

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/pkg/logger"
	"stockledger/pkg/refgen"
)

// Ledger is the slice of the stock service transfers drive.
type Ledger interface {
	ApplyConsumption(ctx context.Context, in stock.ConsumptionInput) (stock.StockRecord, error)
	ApplyReceipt(ctx context.Context, in stock.ReceiptInput) (stock.StockRecord, error)
}

// Event types emitted by transfer transitions.
const (
	EventTransferExecuted  = "transfer.executed"
	EventTransferCompleted = "transfer.completed"
)

// Service drives the transfer state machine. Execution and receipt run the
// underlying stock commands inside one transaction per transfer, so a
// failing line rolls back the whole transfer.
type Service struct {
	repo      Repository
	ledger    Ledger
	txManager tx.Manager
	refs      refgen.Generator
	facts     stock.FactPublisher
	auditor   stock.Auditor
}

// NewService creates the transfer service. facts and auditor may be nil.
func NewService(repo Repository, ledger Ledger, txManager tx.Manager, refs refgen.Generator, facts stock.FactPublisher, auditor stock.Auditor) *Service {
	return &Service{
		repo:      repo,
		ledger:    ledger,
		txManager: txManager,
		refs:      refs,
		facts:     facts,
		auditor:   auditor,
	}
}

// RequestInput describes a new transfer request.
type RequestInput struct {
	FromWarehouseID id.ID
	ToWarehouseID   id.ID
	Note            string
	Items           []RequestItem
}

// RequestItem is one requested product position.
type RequestItem struct {
	ProductID id.ID
	Quantity  types.Quantity
}

// Request creates a transfer in the requested state. No stock moves yet.
func (s *Service) Request(ctx context.Context, in RequestInput) (*Transfer, error) {
	scope, err := tenant.GetScope(ctx)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	t := &Transfer{
		ID:              id.New(),
		TenantID:        scope.TenantID,
		FromWarehouseID: in.FromWarehouseID,
		ToWarehouseID:   in.ToWarehouseID,
		Status:          StatusRequested,
		Note:            in.Note,
		RequestedBy:     scope.ActorID,
		RequestedAt:     time.Now().UTC(),
		Version:         1,
	}
	for _, item := range in.Items {
		t.Lines = append(t.Lines, Line{
			ID:                id.New(),
			TransferID:        t.ID,
			ProductID:         item.ProductID,
			QuantityRequested: item.Quantity,
			UnitCost:          types.ZeroMoney(),
		})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		ref, err := s.refs.Next(ctx, refgen.DefaultConfig(refgen.PrefixTransfer), time.Now())
		if err != nil {
			return fmt.Errorf("generate reference: %w", err)
		}
		t.Reference = ref
		return s.repo.Create(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "transfer requested",
		"transfer_id", t.ID,
		"reference", t.Reference,
		"from", t.FromWarehouseID,
		"to", t.ToWarehouseID,
		"lines", len(t.Lines),
	)
	return t, nil
}

// Approve moves requested -> approved. approvedQuantities overrides the
// approved quantity per line (keyed by line ID); lines not in the map are
// approved at the requested quantity. Approval can reduce a line, never
// increase it.
func (s *Service) Approve(ctx context.Context, transferID id.ID, approvedQuantities map[id.ID]types.Quantity) (*Transfer, error) {
	var t *Transfer
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.repo.GetByIDForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		from := t.Status
		if err := t.transition(StatusApproved); err != nil {
			return err
		}

		for i := range t.Lines {
			line := &t.Lines[i]
			approved := line.QuantityRequested
			if q, ok := approvedQuantities[line.ID]; ok {
				approved = q
			}
			if !approved.IsPositive() {
				return apperror.NewInvalidQuantity("quantity_approved", approved.String())
			}
			if approved > line.QuantityRequested {
				return apperror.NewValidation(fmt.Sprintf("approved quantity %s exceeds requested %s", approved, line.QuantityRequested))
			}
			line.QuantityApproved = approved
		}

		t.ApprovedBy = tenant.Actor(ctx)
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		return s.auditStatus(ctx, t, from)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "transfer approved", "transfer_id", t.ID, "reference", t.Reference)
	return t, nil
}

// Reject moves requested -> rejected.
func (s *Service) Reject(ctx context.Context, transferID id.ID, reason string) (*Transfer, error) {
	return s.closeWithout(ctx, transferID, StatusRejected, reason)
}

// Cancel moves approved -> cancelled. Only possible before execution.
func (s *Service) Cancel(ctx context.Context, transferID id.ID, reason string) (*Transfer, error) {
	return s.closeWithout(ctx, transferID, StatusCancelled, reason)
}

func (s *Service) closeWithout(ctx context.Context, transferID id.ID, to Status, reason string) (*Transfer, error) {
	var t *Transfer
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.repo.GetByIDForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		from := t.Status
		if err := t.transition(to); err != nil {
			return err
		}
		t.StatusReason = reason
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		return s.auditStatus(ctx, t, from)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "transfer closed without execution",
		"transfer_id", t.ID,
		"reference", t.Reference,
		"status", t.Status,
		"reason", reason,
	)
	return t, nil
}

// Execute moves approved -> in_transit: debits every line at the source
// warehouse for the approved quantity and snapshots the source cost onto
// the line. All-or-nothing per transfer; one insufficient line rolls back
// every debit.
func (s *Service) Execute(ctx context.Context, transferID id.ID) (*Transfer, error) {
	var t *Transfer
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.repo.GetByIDForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		from := t.Status
		if err := t.transition(StatusInTransit); err != nil {
			return err
		}

		// fixed lock order across concurrent transfers touching the same
		// products
		sortLinesByProduct(t.Lines)

		for i := range t.Lines {
			line := &t.Lines[i]
			record, err := s.ledger.ApplyConsumption(ctx, stock.ConsumptionInput{
				WarehouseID: t.FromWarehouseID,
				ProductID:   line.ProductID,
				Quantity:    line.QuantityApproved,
				Reference:   t.Reference,
				Type:        stock.MovementTransferOut,
			})
			if err != nil {
				return err
			}
			line.UnitCost = record.CostAverage
		}

		now := time.Now().UTC()
		t.ExecutedAt = &now
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		if err := s.auditStatus(ctx, t, from); err != nil {
			return err
		}

		return s.publish(ctx, EventTransferExecuted, t)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "transfer executed", "transfer_id", t.ID, "reference", t.Reference)
	return t, nil
}

// Receive moves in_transit -> completed: credits the destination warehouse
// for the received quantity per line at the cost snapshotted during
// execution. receivedQuantities is keyed by line ID; missing lines default
// to the full approved quantity. Short receipts complete the transfer and
// leave the shortfall as a logged variance.
func (s *Service) Receive(ctx context.Context, transferID id.ID, receivedQuantities map[id.ID]types.Quantity) (*Transfer, error) {
	var t *Transfer
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.repo.GetByIDForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		from := t.Status
		if err := t.transition(StatusCompleted); err != nil {
			return err
		}

		sortLinesByProduct(t.Lines)

		for i := range t.Lines {
			line := &t.Lines[i]
			received := line.QuantityApproved
			if q, ok := receivedQuantities[line.ID]; ok {
				received = q
			}
			if received.IsNegative() {
				return apperror.NewInvalidQuantity("quantity_received", received.String())
			}
			if received > line.QuantityApproved {
				return apperror.NewValidation(fmt.Sprintf("received quantity %s exceeds sent %s", received, line.QuantityApproved))
			}
			line.QuantityReceived = received

			if received.IsPositive() {
				if _, err := s.ledger.ApplyReceipt(ctx, stock.ReceiptInput{
					WarehouseID: t.ToWarehouseID,
					ProductID:   line.ProductID,
					Quantity:    received,
					UnitCost:    line.UnitCost,
					Reference:   t.Reference,
					Type:        stock.MovementTransferIn,
				}); err != nil {
					return err
				}
			}
		}

		now := time.Now().UTC()
		t.CompletedAt = &now
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		if err := s.auditStatus(ctx, t, from); err != nil {
			return err
		}

		return s.publish(ctx, EventTransferCompleted, t)
	})
	if err != nil {
		return nil, err
	}

	for i := range t.Lines {
		line := &t.Lines[i]
		if variance := line.Variance(); variance.IsPositive() {
			logger.Warn(ctx, "transfer received short",
				"transfer_id", t.ID,
				"reference", t.Reference,
				"product_id", line.ProductID,
				"sent", line.QuantityApproved,
				"received", line.QuantityReceived,
				"variance", variance,
			)
		}
	}
	logger.Info(ctx, "transfer completed", "transfer_id", t.ID, "reference", t.Reference)
	return t, nil
}

// GetByID returns a transfer with its lines.
func (s *Service) GetByID(ctx context.Context, transferID id.ID) (*Transfer, error) {
	return s.repo.GetByID(ctx, transferID)
}

// List returns transfers matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) auditStatus(ctx context.Context, t *Transfer, from Status) error {
	if s.auditor == nil {
		return nil
	}
	changes := map[string]any{
		"status": map[string]any{"old": string(from), "new": string(t.Status)},
	}
	if t.StatusReason != "" {
		changes["reason"] = t.StatusReason
	}
	if err := s.auditor.LogChange(ctx, "transfer", t.ID, "state_change", changes); err != nil {
		return fmt.Errorf("audit transfer transition: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, t *Transfer) error {
	if s.facts == nil {
		return nil
	}
	if err := s.facts.Publish(ctx, eventType, t.ID, t); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func sortLinesByProduct(lines []Line) {
	sort.Slice(lines, func(i, j int) bool {
		return bytes.Compare(lines[i].ProductID[:], lines[j].ProductID[:]) < 0
	})
}
