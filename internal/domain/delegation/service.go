package delegation

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

// Ledger is the slice of the stock service delegation drives: delegating
// debits the warehouse, settling credits unsold units back.
type Ledger interface {
	ApplyConsumption(ctx context.Context, in stock.ConsumptionInput) (stock.StockRecord, error)
	ApplyReceipt(ctx context.Context, in stock.ReceiptInput) (stock.StockRecord, error)
}

// Event types emitted by the sub-ledger.
const (
	EventStockDelegated          = "delegation.batch.created"
	EventCashRecorded            = "cash.recorded"
	EventReconciliationValidated = "delegation.reconciliation.validated"
	EventReconciliationDisputed  = "delegation.reconciliation.disputed"
)

// Service implements the delegated-stock commands and the reconciliation
// state machine.
type Service struct {
	repo      Repository
	ledger    Ledger
	txManager tx.Manager
	refs      refgen.Generator
	cash      CashLedger
	facts     stock.FactPublisher
	auditor   stock.Auditor
}

// NewService creates the delegation service. facts and auditor may be nil.
func NewService(repo Repository, ledger Ledger, txManager tx.Manager, refs refgen.Generator, cash CashLedger, facts stock.FactPublisher, auditor stock.Auditor) *Service {
	return &Service{
		repo:      repo,
		ledger:    ledger,
		txManager: txManager,
		refs:      refs,
		cash:      cash,
		facts:     facts,
		auditor:   auditor,
	}
}

// DelegateInput describes one delegation batch for one seller.
type DelegateInput struct {
	ServerID    id.ID
	WarehouseID id.ID
	Items       []DelegateItem
}

// DelegateItem is one product position in a delegation batch.
type DelegateItem struct {
	ProductID id.ID
	Quantity  types.Quantity
	UnitPrice types.Money
}

// Delegate hands stock to a seller: each item is debited from the
// warehouse and mirrored as a DelegatedStock row with the unit cost frozen
// from the warehouse average at that instant. All-or-nothing across items.
func (s *Service) Delegate(ctx context.Context, in DelegateInput) ([]DelegatedStock, error) {
	scope, err := tenant.GetScope(ctx)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if id.IsNil(in.ServerID) || id.IsNil(in.WarehouseID) {
		return nil, apperror.NewValidation("server and warehouse are required")
	}
	if len(in.Items) == 0 {
		return nil, apperror.NewValidation("delegation requires at least one item")
	}
	seen := make(map[id.ID]struct{}, len(in.Items))
	for _, item := range in.Items {
		if id.IsNil(item.ProductID) {
			return nil, apperror.NewValidation("item product is required")
		}
		if _, ok := seen[item.ProductID]; ok {
			return nil, apperror.NewValidation("duplicate product in delegation batch: " + item.ProductID.String())
		}
		seen[item.ProductID] = struct{}{}
		if !item.Quantity.IsPositive() {
			return nil, apperror.NewInvalidQuantity("quantity", item.Quantity.String())
		}
		if item.UnitPrice.IsNegative() {
			return nil, apperror.NewInvalidQuantity("unit_price", item.UnitPrice.String())
		}
	}

	// fixed lock order against concurrent batches
	items := append([]DelegateItem(nil), in.Items...)
	sort.Slice(items, func(i, j int) bool {
		return bytes.Compare(items[i].ProductID[:], items[j].ProductID[:]) < 0
	})

	var stocks []DelegatedStock
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		stocks = stocks[:0]
		batch, err := s.refs.Next(ctx, refgen.DefaultConfig(refgen.PrefixDelegation), time.Now())
		if err != nil {
			return fmt.Errorf("generate batch reference: %w", err)
		}

		now := time.Now().UTC()
		var movements []Movement
		for _, item := range items {
			record, err := s.ledger.ApplyConsumption(ctx, stock.ConsumptionInput{
				WarehouseID: in.WarehouseID,
				ProductID:   item.ProductID,
				Quantity:    item.Quantity,
				Reference:   batch,
				Type:        stock.MovementDelegation,
			})
			if err != nil {
				return err
			}

			row := DelegatedStock{
				ID:                id.New(),
				TenantID:          scope.TenantID,
				ServerID:          in.ServerID,
				WarehouseID:       in.WarehouseID,
				ProductID:         item.ProductID,
				Batch:             batch,
				QuantityDelegated: item.Quantity,
				QuantityRemaining: item.Quantity,
				UnitPrice:         item.UnitPrice,
				UnitCost:          record.CostAverage,
				TotalSales:        types.ZeroMoney(),
				Status:            StockActive,
				DelegatedAt:       now,
				Version:           1,
			}
			row.CheckInvariant()
			stocks = append(stocks, row)

			movements = append(movements, Movement{
				ID:               id.New(),
				TenantID:         scope.TenantID,
				DelegatedStockID: row.ID,
				ServerID:         in.ServerID,
				ProductID:        item.ProductID,
				Kind:             KindDelegation,
				Quantity:         item.Quantity,
				QuantityBefore:   0,
				QuantityAfter:    item.Quantity,
				UnitPrice:        item.UnitPrice,
				TotalAmount:      item.UnitPrice.Mul(item.Quantity.Decimal()),
				Reference:        batch,
				ActorID:          scope.ActorID,
				OccurredAt:       now,
			})
		}

		if err := s.repo.CreateStocks(ctx, stocks); err != nil {
			return fmt.Errorf("create delegated stocks: %w", err)
		}
		if err := s.repo.AppendMovements(ctx, movements); err != nil {
			return fmt.Errorf("append movements: %w", err)
		}

		return s.publish(ctx, EventStockDelegated, stocks[0].ID, map[string]any{
			"server_id":    in.ServerID,
			"warehouse_id": in.WarehouseID,
			"batch":        batch,
			"items":        len(stocks),
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "stock delegated",
		"server_id", in.ServerID,
		"warehouse_id", in.WarehouseID,
		"batch", stocks[0].Batch,
		"items", len(stocks),
	)
	return stocks, nil
}

// RecordSale moves quantity from remaining to sold and accumulates the
// sale value at the row's delegated unit price.
func (s *Service) RecordSale(ctx context.Context, stockID id.ID, qty types.Quantity, reference string) (*DelegatedStock, error) {
	return s.mutateStock(ctx, stockID, qty, KindSale, reference, "", func(row *DelegatedStock) {
		row.QuantityRemaining -= qty
		row.QuantitySold += qty
		row.TotalSales = row.TotalSales.Add(row.UnitPrice.Mul(qty.Decimal()))
	})
}

// ReturnStock moves quantity from remaining back to the returned bucket.
// The physical units are back with the manager; warehouse-visible stock is
// only credited for what is still remaining when the session settles.
func (s *Service) ReturnStock(ctx context.Context, stockID id.ID, qty types.Quantity, reason string) (*DelegatedStock, error) {
	return s.mutateStock(ctx, stockID, qty, KindReturn, "", reason, func(row *DelegatedStock) {
		row.QuantityRemaining -= qty
		row.QuantityReturned += qty
	})
}

// DeclareLoss moves quantity from remaining to lost.
func (s *Service) DeclareLoss(ctx context.Context, stockID id.ID, qty types.Quantity, reason string) (*DelegatedStock, error) {
	if reason == "" {
		return nil, apperror.NewValidation("loss reason is required")
	}
	return s.mutateStock(ctx, stockID, qty, KindLoss, "", reason, func(row *DelegatedStock) {
		row.QuantityRemaining -= qty
		row.QuantityLost += qty
	})
}

func (s *Service) mutateStock(ctx context.Context, stockID id.ID, qty types.Quantity, kind MovementKind, reference, reason string, apply func(*DelegatedStock)) (*DelegatedStock, error) {
	if !qty.IsPositive() {
		return nil, apperror.NewInvalidQuantity("quantity", qty.String())
	}
	scope, err := tenant.GetScope(ctx)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	var row *DelegatedStock
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		row, err = s.repo.GetStockForUpdate(ctx, stockID)
		if err != nil {
			return err
		}
		if row.Status != StockActive {
			return apperror.NewInvalidStateTransition("delegated_stock", string(row.Status), string(StockActive))
		}
		if row.QuantityRemaining < qty {
			return apperror.NewInsufficientQuantity(stockID.String(), qty, row.QuantityRemaining)
		}

		before := row.QuantityRemaining
		apply(row)
		row.CheckInvariant()

		if err := s.repo.UpdateStock(ctx, row); err != nil {
			return fmt.Errorf("update delegated stock: %w", err)
		}

		return s.repo.AppendMovements(ctx, []Movement{{
			ID:               id.New(),
			TenantID:         scope.TenantID,
			DelegatedStockID: row.ID,
			ServerID:         row.ServerID,
			ProductID:        row.ProductID,
			Kind:             kind,
			Quantity:         qty,
			QuantityBefore:   before,
			QuantityAfter:    row.QuantityRemaining,
			UnitPrice:        row.UnitPrice,
			TotalAmount:      row.UnitPrice.Mul(qty.Decimal()),
			Reference:        reference,
			Reason:           reason,
			ActorID:          scope.ActorID,
			OccurredAt:       time.Now().UTC(),
		}})
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "delegated stock mutated",
		"delegated_stock_id", row.ID,
		"kind", kind,
		"quantity", qty,
		"remaining", row.QuantityRemaining,
	)
	return row, nil
}

// StartReconciliation opens a cash-out session for a seller. Fails when an
// open or pending session already exists, or when the seller holds no
// active delegated stock.
func (s *Service) StartReconciliation(ctx context.Context, serverID id.ID) (*Reconciliation, error) {
	scope, err := tenant.GetScope(ctx)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	var rec *Reconciliation
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		existing, err := s.repo.GetOpenReconciliation(ctx, serverID)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperror.NewInvalidStateTransition("reconciliation", string(existing.Status), string(ReconciliationOpen)).
				WithDetail("existing_reference", existing.Reference)
		}

		active, err := s.repo.ListStocksByServer(ctx, serverID, StockActive)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			return apperror.NewValidation("server has no active delegated stock")
		}

		ref, err := s.refs.Next(ctx, refgen.DefaultConfig(refgen.PrefixReconciliation), time.Now())
		if err != nil {
			return fmt.Errorf("generate reference: %w", err)
		}

		rec = &Reconciliation{
			ID:           id.New(),
			TenantID:     scope.TenantID,
			ServerID:     serverID,
			Reference:    ref,
			Status:       ReconciliationOpen,
			SessionStart: time.Now().UTC(),
			Version:      1,
		}
		rec.recalculateTotals(active)
		return s.repo.CreateReconciliation(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "reconciliation started",
		"reconciliation_id", rec.ID,
		"reference", rec.Reference,
		"server_id", serverID,
	)
	return rec, nil
}

// SubmitForValidation moves open -> pending with the seller's self-reported
// cash figure and freezes the seller's rows in the reconciling status.
func (s *Service) SubmitForValidation(ctx context.Context, recID id.ID, cashCollected types.Money, notes string) (*Reconciliation, error) {
	if cashCollected.IsNegative() {
		return nil, apperror.NewInvalidQuantity("cash_collected", cashCollected.String())
	}

	var rec *Reconciliation
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.repo.GetReconciliationForUpdate(ctx, recID)
		if err != nil {
			return err
		}
		if err := rec.transition(ReconciliationPending); err != nil {
			return err
		}

		stocks, err := s.repo.ListStocksForUpdate(ctx, rec.ServerID, StockActive)
		if err != nil {
			return err
		}
		for i := range stocks {
			stocks[i].Status = StockReconciling
			if err := s.repo.UpdateStock(ctx, &stocks[i]); err != nil {
				return fmt.Errorf("freeze delegated stock: %w", err)
			}
		}

		now := time.Now().UTC()
		rec.SessionEnd = &now
		rec.CashCollected = cashCollected
		rec.ServerNotes = notes
		rec.recalculateTotals(stocks)
		return s.repo.UpdateReconciliation(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "reconciliation submitted",
		"reconciliation_id", rec.ID,
		"reference", rec.Reference,
		"cash_collected", rec.CashCollected,
		"cash_expected", rec.CashExpected,
	)
	return rec, nil
}

// Validate moves pending -> validated: posts one cash-in fact for the
// collected amount and settles every frozen row, converting the unsold
// remainder into warehouse stock again at the frozen unit cost.
func (s *Service) Validate(ctx context.Context, recID id.ID, notes string) (*Reconciliation, error) {
	scope, err := tenant.GetScope(ctx)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	var rec *Reconciliation
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.repo.GetReconciliationForUpdate(ctx, recID)
		if err != nil {
			return err
		}
		from := rec.Status
		if err := rec.transition(ReconciliationValidated); err != nil {
			return err
		}
		rec.ManagerID = scope.ActorID
		rec.ManagerNotes = notes

		now := time.Now().UTC()
		if err := s.cash.RecordCashIn(ctx, rec.CashCollected, rec.Reference, rec.ServerID, now); err != nil {
			return fmt.Errorf("record cash in: %w", err)
		}
		if err := s.publish(ctx, EventCashRecorded, rec.ID, map[string]any{
			"reference":  rec.Reference,
			"serverId":   rec.ServerID,
			"amount":     rec.CashCollected,
			"occurredAt": now,
		}); err != nil {
			return err
		}

		stocks, err := s.repo.ListStocksForUpdate(ctx, rec.ServerID, StockReconciling)
		if err != nil {
			return err
		}
		for i := range stocks {
			row := &stocks[i]
			remaining := row.QuantityRemaining
			if remaining.IsPositive() {
				// the return reference carries the batch: a seller may hold
				// the same product from several delegation batches, and each
				// row's return must clear the per-reference duplicate guard
				if _, err := s.ledger.ApplyReceipt(ctx, stock.ReceiptInput{
					WarehouseID: row.WarehouseID,
					ProductID:   row.ProductID,
					Quantity:    remaining,
					UnitCost:    row.UnitCost,
					Reference:   rec.Reference + "/" + row.Batch,
					Type:        stock.MovementReconciliationReturn,
				}); err != nil {
					return err
				}

				if err := s.repo.AppendMovements(ctx, []Movement{{
					ID:               id.New(),
					TenantID:         scope.TenantID,
					DelegatedStockID: row.ID,
					ServerID:         row.ServerID,
					ProductID:        row.ProductID,
					Kind:             KindSettlement,
					Quantity:         remaining,
					QuantityBefore:   remaining,
					QuantityAfter:    0,
					UnitPrice:        row.UnitPrice,
					TotalAmount:      row.UnitPrice.Mul(remaining.Decimal()),
					Reference:        rec.Reference,
					ActorID:          scope.ActorID,
					OccurredAt:       now,
				}}); err != nil {
					return fmt.Errorf("append settlement movement: %w", err)
				}
			}

			row.QuantityReturned += remaining
			row.QuantityRemaining = 0
			row.Status = StockSettled
			row.SettledAt = &now
			row.CheckInvariant()
			if err := s.repo.UpdateStock(ctx, row); err != nil {
				return fmt.Errorf("settle delegated stock: %w", err)
			}
		}

		if err := s.repo.UpdateReconciliation(ctx, rec); err != nil {
			return err
		}
		if err := s.auditReconciliation(ctx, rec, from, "settle", map[string]any{
			"cash_collected":  rec.CashCollected,
			"cash_difference": rec.CashDifference,
			"stocks_settled":  len(stocks),
		}); err != nil {
			return err
		}

		return s.publish(ctx, EventReconciliationValidated, rec.ID, rec)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "reconciliation validated",
		"reconciliation_id", rec.ID,
		"reference", rec.Reference,
		"cash_collected", rec.CashCollected,
		"cash_difference", rec.CashDifference,
	)
	return rec, nil
}

// Dispute moves pending -> disputed. No ledger mutation happens; the cash
// gap is resolved manually.
func (s *Service) Dispute(ctx context.Context, recID id.ID, reason string) (*Reconciliation, error) {
	if reason == "" {
		return nil, apperror.NewValidation("dispute reason is required")
	}
	scope, err := tenant.GetScope(ctx)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	var rec *Reconciliation
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.repo.GetReconciliationForUpdate(ctx, recID)
		if err != nil {
			return err
		}
		from := rec.Status
		if err := rec.transition(ReconciliationDisputed); err != nil {
			return err
		}
		rec.ManagerID = scope.ActorID
		rec.ManagerNotes = reason
		if err := s.repo.UpdateReconciliation(ctx, rec); err != nil {
			return err
		}
		if err := s.auditReconciliation(ctx, rec, from, "state_change", map[string]any{
			"reason":          reason,
			"cash_difference": rec.CashDifference,
		}); err != nil {
			return err
		}
		return s.publish(ctx, EventReconciliationDisputed, rec.ID, rec)
	})
	if err != nil {
		return nil, err
	}

	logger.Warn(ctx, "reconciliation disputed",
		"reconciliation_id", rec.ID,
		"reference", rec.Reference,
		"reason", reason,
		"cash_difference", rec.CashDifference,
	)
	return rec, nil
}

// GetStocksByServer returns a seller's delegated rows.
func (s *Service) GetStocksByServer(ctx context.Context, serverID id.ID, statuses ...StockStatus) ([]DelegatedStock, error) {
	return s.repo.ListStocksByServer(ctx, serverID, statuses...)
}

// GetReconciliation returns one session.
func (s *Service) GetReconciliation(ctx context.Context, recID id.ID) (*Reconciliation, error) {
	return s.repo.GetReconciliation(ctx, recID)
}

// GetOpenReconciliation returns the seller's current open or pending
// session, or nil.
func (s *Service) GetOpenReconciliation(ctx context.Context, serverID id.ID) (*Reconciliation, error) {
	return s.repo.GetOpenReconciliation(ctx, serverID)
}

// GetMovements returns the sub-ledger for one delegated row.
func (s *Service) GetMovements(ctx context.Context, stockID id.ID, limit, offset int) ([]Movement, error) {
	return s.repo.ListMovements(ctx, stockID, limit, offset)
}

func (s *Service) publish(ctx context.Context, eventType string, aggregateID id.ID, payload any) error {
	if s.facts == nil {
		return nil
	}
	if err := s.facts.Publish(ctx, eventType, aggregateID, payload); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func (s *Service) auditReconciliation(ctx context.Context, rec *Reconciliation, from ReconciliationStatus, action string, extra map[string]any) error {
	if s.auditor == nil {
		return nil
	}
	changes := map[string]any{
		"status": map[string]any{"old": string(from), "new": string(rec.Status)},
	}
	for k, v := range extra {
		changes[k] = v
	}
	if err := s.auditor.LogChange(ctx, "reconciliation", rec.ID, action, changes); err != nil {
		return fmt.Errorf("audit reconciliation %s: %w", action, err)
	}
	return nil
}
