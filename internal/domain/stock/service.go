package stock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// FactPublisher emits ledger facts for downstream consumers (alerting,
// reporting, export). Implementations write to a transactional outbox, so
// Publish must be called inside the command's transaction.
type FactPublisher interface {
	Publish(ctx context.Context, eventType string, aggregateID id.ID, payload any) error
}

// Invalidator drops cached read models after a balance change.
type Invalidator interface {
	InvalidateRecord(ctx context.Context, warehouseID, productID id.ID)
}

// Auditor records before/after change entries. Implementations write
// inside the command's transaction, so a failed audit write aborts the
// command.
type Auditor interface {
	LogChange(ctx context.Context, entityType string, entityID id.ID, action string, changes map[string]any) error
}

// Event types emitted by ledger commands.
const (
	EventMovementRecorded  = "stock.movement.recorded"
	EventStockReserved     = "stock.reservation.created"
	EventStockReleased     = "stock.reservation.released"
	EventReservationCommit = "stock.reservation.committed"
)

// Service implements the ledger commands. Every command runs in a single
// transaction covering the movement append and the record update; the row
// lock on the stock record serializes concurrent writers per key.
type Service struct {
	repo      Repository
	txManager tx.Manager
	facts     FactPublisher
	cache     Invalidator
	auditor   Auditor
}

// NewService creates the stock ledger service. facts, cache and auditor
// may be nil.
func NewService(repo Repository, txManager tx.Manager, facts FactPublisher, cache Invalidator, auditor Auditor) *Service {
	return &Service{
		repo:      repo,
		txManager: txManager,
		facts:     facts,
		cache:     cache,
		auditor:   auditor,
	}
}

// ReceiptInput describes an inbound lot.
type ReceiptInput struct {
	WarehouseID id.ID
	ProductID   id.ID
	Quantity    types.Quantity
	UnitCost    types.Money
	Reference   string
	// Type is the inbound movement type; defaults to receipt. Transfers
	// and reconciliation returns carry their own types.
	Type       MovementType
	OccurredAt time.Time
}

// ApplyReceipt records an inbound movement and folds its cost into the
// weighted-average unit cost. This is the only command that changes
// cost_average (besides positive adjustments with an explicit cost).
func (s *Service) ApplyReceipt(ctx context.Context, in ReceiptInput) (StockRecord, error) {
	if !in.Quantity.IsPositive() {
		return StockRecord{}, apperror.NewInvalidQuantity("quantity", in.Quantity.String())
	}
	if in.UnitCost.IsNegative() {
		return StockRecord{}, apperror.NewInvalidQuantity("unit_cost", in.UnitCost.String())
	}
	if in.Reference == "" {
		return StockRecord{}, apperror.NewValidation("reference is required")
	}
	movementType := in.Type
	if movementType == "" {
		movementType = MovementReceipt
	}
	if movementType.Direction() <= 0 {
		return StockRecord{}, apperror.NewValidation(fmt.Sprintf("movement type %q is not inbound", movementType))
	}

	var record StockRecord
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		exists, err := s.repo.MovementExists(ctx, in.WarehouseID, in.ProductID, movementType, in.Reference)
		if err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if exists {
			return apperror.NewDuplicateOperation(string(movementType), in.Reference)
		}

		record, err = s.repo.GetRecordForUpdate(ctx, in.WarehouseID, in.ProductID)
		if err != nil {
			return fmt.Errorf("lock record: %w", err)
		}

		record.CostAverage = types.WeightedAverage(record.Quantity, record.CostAverage, in.Quantity, in.UnitCost)
		record.Quantity += in.Quantity

		movement := s.newMovement(ctx, in.WarehouseID, in.ProductID, movementType, in.Quantity, in.UnitCost, in.Reference, "", in.OccurredAt)
		return s.applyAndPublish(ctx, &record, movement)
	})
	if err != nil {
		return StockRecord{}, err
	}

	s.invalidate(ctx, in.WarehouseID, in.ProductID)
	logger.Info(ctx, "receipt applied",
		"warehouse_id", in.WarehouseID,
		"product_id", in.ProductID,
		"quantity", in.Quantity,
		"cost_average", record.CostAverage,
		"reference", in.Reference,
	)
	return record, nil
}

// ConsumptionInput describes an outbound movement.
type ConsumptionInput struct {
	WarehouseID id.ID
	ProductID   id.ID
	Quantity    types.Quantity
	Reference   string
	// Type is the outbound movement type; defaults to sale.
	Type MovementType
	// FulfillsReservation decrements reserved together with quantity (the
	// hold under Reference converts into an actual debit).
	FulfillsReservation bool
	OccurredAt          time.Time
}

// ApplyConsumption records an outbound movement at the current average
// cost. The debit is rejected atomically when on-hand quantity would go
// negative, or when it would eat into stock held by open reservations it
// does not fulfil; cost_average is never changed by consumption.
func (s *Service) ApplyConsumption(ctx context.Context, in ConsumptionInput) (StockRecord, error) {
	if !in.Quantity.IsPositive() {
		return StockRecord{}, apperror.NewInvalidQuantity("quantity", in.Quantity.String())
	}
	if in.Reference == "" {
		return StockRecord{}, apperror.NewValidation("reference is required")
	}
	movementType := in.Type
	if movementType == "" {
		movementType = MovementSale
	}
	if movementType.Direction() >= 0 {
		return StockRecord{}, apperror.NewValidation(fmt.Sprintf("movement type %q is not outbound", movementType))
	}

	var record StockRecord
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		exists, err := s.repo.MovementExists(ctx, in.WarehouseID, in.ProductID, movementType, in.Reference)
		if err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if exists {
			return apperror.NewDuplicateOperation(string(movementType), in.Reference)
		}

		record, err = s.repo.GetRecordForUpdate(ctx, in.WarehouseID, in.ProductID)
		if err != nil {
			return fmt.Errorf("lock record: %w", err)
		}

		if record.Quantity < in.Quantity {
			return apperror.NewInsufficientStock(in.ProductID.String(), in.Quantity, record.Quantity)
		}
		// a plain sale must not eat into stock promised to reservations
		if !in.FulfillsReservation && record.Available() < in.Quantity {
			return apperror.NewInsufficientAvailable(in.ProductID.String(), in.Quantity, record.Available())
		}

		record.Quantity -= in.Quantity
		if in.FulfillsReservation {
			if err := s.consumeReservation(ctx, &record, in.WarehouseID, in.ProductID, in.Reference, in.Quantity); err != nil {
				return err
			}
		}

		movement := s.newMovement(ctx, in.WarehouseID, in.ProductID, movementType, in.Quantity, record.CostAverage, in.Reference, "", in.OccurredAt)
		return s.applyAndPublish(ctx, &record, movement)
	})
	if err != nil {
		return StockRecord{}, err
	}

	s.invalidate(ctx, in.WarehouseID, in.ProductID)
	logger.Info(ctx, "consumption applied",
		"warehouse_id", in.WarehouseID,
		"product_id", in.ProductID,
		"type", movementType,
		"quantity", in.Quantity,
		"reference", in.Reference,
	)
	return record, nil
}

// AdjustmentInput describes an inventory-count correction.
type AdjustmentInput struct {
	WarehouseID id.ID
	ProductID   id.ID
	// Quantity is the signed delta: positive adds stock, negative removes.
	Quantity types.Quantity
	// UnitCost applies to positive adjustments only; nil keeps the current
	// cost_average (no cost effect).
	UnitCost   *types.Money
	Reason     string
	Reference  string
	OccurredAt time.Time
}

// ApplyAdjustment records an inventory-count correction. Positive
// adjustments with an explicit unit cost recompute the weighted average;
// negative adjustments obey the same non-negativity rule as consumption.
func (s *Service) ApplyAdjustment(ctx context.Context, in AdjustmentInput) (StockRecord, error) {
	if in.Quantity.IsZero() {
		return StockRecord{}, apperror.NewInvalidQuantity("quantity", in.Quantity.String())
	}
	if in.Reference == "" {
		return StockRecord{}, apperror.NewValidation("reference is required")
	}
	if in.Reason == "" {
		return StockRecord{}, apperror.NewValidation("adjustment reason is required")
	}

	movementType := MovementAdjustmentIn
	if in.Quantity.IsNegative() {
		movementType = MovementAdjustmentOut
	}
	absQty := in.Quantity.Abs()

	var record StockRecord
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		exists, err := s.repo.MovementExists(ctx, in.WarehouseID, in.ProductID, movementType, in.Reference)
		if err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if exists {
			return apperror.NewDuplicateOperation(string(movementType), in.Reference)
		}

		record, err = s.repo.GetRecordForUpdate(ctx, in.WarehouseID, in.ProductID)
		if err != nil {
			return fmt.Errorf("lock record: %w", err)
		}

		quantityBefore := record.Quantity
		costBefore := record.CostAverage

		unitCost := record.CostAverage
		if in.Quantity.IsPositive() {
			if in.UnitCost != nil {
				unitCost = *in.UnitCost
				if unitCost.IsNegative() {
					return apperror.NewInvalidQuantity("unit_cost", unitCost.String())
				}
				record.CostAverage = types.WeightedAverage(record.Quantity, record.CostAverage, absQty, unitCost)
			}
			record.Quantity += absQty
		} else {
			if record.Quantity < absQty {
				return apperror.NewInsufficientStock(in.ProductID.String(), absQty, record.Quantity)
			}
			if record.Available() < absQty {
				return apperror.NewInsufficientAvailable(in.ProductID.String(), absQty, record.Available())
			}
			record.Quantity -= absQty
		}

		movement := s.newMovement(ctx, in.WarehouseID, in.ProductID, movementType, absQty, unitCost, in.Reference, in.Reason, in.OccurredAt)
		if err := s.applyAndPublish(ctx, &record, movement); err != nil {
			return err
		}

		// corrections carry human intent, so they leave an audit entry
		// alongside the movement fact
		if s.auditor != nil {
			changes := map[string]any{
				"quantity":     map[string]any{"old": quantityBefore, "new": record.Quantity},
				"cost_average": map[string]any{"old": costBefore, "new": record.CostAverage},
				"reason":       in.Reason,
				"reference":    in.Reference,
			}
			if err := s.auditor.LogChange(ctx, "stock_record", record.ID, "update", changes); err != nil {
				return fmt.Errorf("audit adjustment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return StockRecord{}, err
	}

	s.invalidate(ctx, in.WarehouseID, in.ProductID)
	logger.Info(ctx, "adjustment applied",
		"warehouse_id", in.WarehouseID,
		"product_id", in.ProductID,
		"type", movementType,
		"quantity", absQty,
		"reason", in.Reason,
		"reference", in.Reference,
	)
	return record, nil
}

// Reserve places a hold on available quantity under a business reference.
// Re-reserving the same reference with the same quantity is a no-op;
// a different quantity for an existing reference is a DuplicateOperation.
func (s *Service) Reserve(ctx context.Context, warehouseID, productID id.ID, qty types.Quantity, reference string) (StockRecord, error) {
	if !qty.IsPositive() {
		return StockRecord{}, apperror.NewInvalidQuantity("quantity", qty.String())
	}
	if reference == "" {
		return StockRecord{}, apperror.NewValidation("reference is required")
	}

	var record StockRecord
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		record, err = s.repo.GetRecordForUpdate(ctx, warehouseID, productID)
		if err != nil {
			return fmt.Errorf("lock record: %w", err)
		}

		existing, err := s.repo.GetReservation(ctx, warehouseID, productID, reference)
		if err != nil {
			return fmt.Errorf("get reservation: %w", err)
		}
		if existing.Quantity.IsPositive() {
			if existing.Quantity == qty {
				return nil // retried request, hold already exists
			}
			return apperror.NewDuplicateOperation("reserve", reference).
				WithDetail("held", existing.Quantity).
				WithDetail("requested", qty)
		}

		if record.Available() < qty {
			return apperror.NewInsufficientAvailable(productID.String(), qty, record.Available())
		}

		record.Reserved += qty
		if err := s.repo.UpdateRecord(ctx, &record); err != nil {
			return fmt.Errorf("update record: %w", err)
		}

		res := Reservation{
			ID:          id.New(),
			TenantID:    record.TenantID,
			WarehouseID: warehouseID,
			ProductID:   productID,
			Reference:   reference,
			Quantity:    qty,
		}
		if err := s.repo.SaveReservation(ctx, &res); err != nil {
			return fmt.Errorf("save reservation: %w", err)
		}

		return s.publish(ctx, EventStockReserved, record.ID, map[string]any{
			"warehouse_id": warehouseID,
			"product_id":   productID,
			"quantity":     qty,
			"reference":    reference,
		})
	})
	if err != nil {
		return StockRecord{}, err
	}

	s.invalidate(ctx, warehouseID, productID)
	logger.Info(ctx, "stock reserved",
		"warehouse_id", warehouseID,
		"product_id", productID,
		"quantity", qty,
		"reference", reference,
	)
	return record, nil
}

// Release gives back a hold. Releasing more than is still held under the
// reference is clamped, not an error, so partial releases and retries are
// safe.
func (s *Service) Release(ctx context.Context, warehouseID, productID id.ID, qty types.Quantity, reference string) (StockRecord, error) {
	if !qty.IsPositive() {
		return StockRecord{}, apperror.NewInvalidQuantity("quantity", qty.String())
	}

	var record StockRecord
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		record, err = s.repo.GetRecordForUpdate(ctx, warehouseID, productID)
		if err != nil {
			return fmt.Errorf("lock record: %w", err)
		}

		released, err := s.releaseLocked(ctx, &record, warehouseID, productID, reference, qty)
		if err != nil {
			return err
		}
		if released.IsZero() {
			return nil
		}

		if err := s.repo.UpdateRecord(ctx, &record); err != nil {
			return fmt.Errorf("update record: %w", err)
		}

		return s.publish(ctx, EventStockReleased, record.ID, map[string]any{
			"warehouse_id": warehouseID,
			"product_id":   productID,
			"quantity":     released,
			"reference":    reference,
		})
	})
	if err != nil {
		return StockRecord{}, err
	}

	s.invalidate(ctx, warehouseID, productID)
	return record, nil
}

// Commit converts a hold into an actual debit in one atomic step: the
// reservation is released and the quantity consumed with no window where
// available is briefly wrong. The ledger fact carries the reference of the
// reservation.
func (s *Service) Commit(ctx context.Context, warehouseID, productID id.ID, qty types.Quantity, reference string) (StockRecord, error) {
	if !qty.IsPositive() {
		return StockRecord{}, apperror.NewInvalidQuantity("quantity", qty.String())
	}
	if reference == "" {
		return StockRecord{}, apperror.NewValidation("reference is required")
	}

	var record StockRecord
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		exists, err := s.repo.MovementExists(ctx, warehouseID, productID, MovementSale, reference)
		if err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if exists {
			return apperror.NewDuplicateOperation(string(MovementSale), reference)
		}

		record, err = s.repo.GetRecordForUpdate(ctx, warehouseID, productID)
		if err != nil {
			return fmt.Errorf("lock record: %w", err)
		}

		if record.Quantity < qty {
			return apperror.NewInsufficientStock(productID.String(), qty, record.Quantity)
		}

		if _, err := s.releaseLocked(ctx, &record, warehouseID, productID, reference, qty); err != nil {
			return err
		}
		record.Quantity -= qty

		movement := s.newMovement(ctx, warehouseID, productID, MovementSale, qty, record.CostAverage, reference, "", time.Time{})
		if err := s.applyAndPublish(ctx, &record, movement); err != nil {
			return err
		}

		return s.publish(ctx, EventReservationCommit, record.ID, map[string]any{
			"warehouse_id": warehouseID,
			"product_id":   productID,
			"quantity":     qty,
			"reference":    reference,
		})
	})
	if err != nil {
		return StockRecord{}, err
	}

	s.invalidate(ctx, warehouseID, productID)
	logger.Info(ctx, "reservation committed",
		"warehouse_id", warehouseID,
		"product_id", productID,
		"quantity", qty,
		"reference", reference,
	)
	return record, nil
}

// GetRecord returns the current balance for a key. Keys never touched by a
// movement come back as a zero record.
func (s *Service) GetRecord(ctx context.Context, warehouseID, productID id.ID) (StockRecord, error) {
	return s.repo.GetRecord(ctx, warehouseID, productID)
}

// GetWarehouseStock returns all non-zero balances in a warehouse.
func (s *Service) GetWarehouseStock(ctx context.Context, warehouseID id.ID) ([]StockRecord, error) {
	return s.repo.ListRecordsByWarehouse(ctx, warehouseID, true)
}

// GetProductAvailability sums available quantity across warehouses.
func (s *Service) GetProductAvailability(ctx context.Context, productID id.ID) (types.Quantity, error) {
	records, err := s.repo.ListRecordsByProduct(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}
	var total types.Quantity
	for _, r := range records {
		total += r.Available()
	}
	return total, nil
}

// ListMovements returns movement history, newest first.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	return s.repo.ListMovements(ctx, filter)
}

// GetTurnover computes inbound/outbound totals for a period.
func (s *Service) GetTurnover(ctx context.Context, filter TurnoverFilter) (Turnover, error) {
	return s.repo.GetTurnover(ctx, filter)
}

// VerifyRecord recomputes the on-hand quantity from the movement ledger
// and compares it with the materialized record. Used by reconciliation
// jobs and support tooling.
func (s *Service) VerifyRecord(ctx context.Context, warehouseID, productID id.ID) (bool, error) {
	record, err := s.repo.GetRecord(ctx, warehouseID, productID)
	if err != nil {
		return false, err
	}
	rebuilt, err := s.repo.RebuildRecord(ctx, warehouseID, productID)
	if err != nil {
		return false, err
	}
	if rebuilt != record.Quantity {
		logger.Warn(ctx, "stock record diverges from movement ledger",
			"warehouse_id", warehouseID,
			"product_id", productID,
			"materialized", record.Quantity,
			"rebuilt", rebuilt,
		)
		return false, nil
	}
	return true, nil
}

// releaseLocked decrements reserved for the given reference, clamped to
// the amount actually held. The stock record must already be locked.
func (s *Service) releaseLocked(ctx context.Context, record *StockRecord, warehouseID, productID id.ID, reference string, qty types.Quantity) (types.Quantity, error) {
	res, err := s.repo.GetReservation(ctx, warehouseID, productID, reference)
	if err != nil {
		return 0, fmt.Errorf("get reservation: %w", err)
	}
	released := qty
	if res.Quantity < released {
		released = res.Quantity
	}
	if released.IsZero() {
		return 0, nil
	}

	record.Reserved -= released
	if record.Reserved.IsNegative() {
		record.Reserved = 0
	}

	remaining := res.Quantity - released
	if remaining.IsPositive() {
		res.Quantity = remaining
		if err := s.repo.SaveReservation(ctx, &res); err != nil {
			return 0, fmt.Errorf("save reservation: %w", err)
		}
	} else if err := s.repo.DeleteReservation(ctx, warehouseID, productID, reference); err != nil {
		return 0, fmt.Errorf("delete reservation: %w", err)
	}

	return released, nil
}

// consumeReservation is releaseLocked for the consumption path; it does
// not persist the record (the caller does).
func (s *Service) consumeReservation(ctx context.Context, record *StockRecord, warehouseID, productID id.ID, reference string, qty types.Quantity) error {
	_, err := s.releaseLocked(ctx, record, warehouseID, productID, reference, qty)
	return err
}

func (s *Service) newMovement(ctx context.Context, warehouseID, productID id.ID, movementType MovementType, qty types.Quantity, unitCost types.Money, reference, reason string, occurredAt time.Time) Movement {
	scope := tenant.MustGetScope(ctx)
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return Movement{
		ID:          id.New(),
		TenantID:    scope.TenantID,
		WarehouseID: warehouseID,
		ProductID:   productID,
		Type:        movementType,
		Quantity:    qty,
		UnitCost:    unitCost.Round(types.CostScale),
		Reference:   strings.TrimSpace(reference),
		Reason:      reason,
		ActorID:     scope.ActorID,
		OccurredAt:  occurredAt,
	}
}

// applyAndPublish persists the updated record, appends the movement and
// emits the ledger fact, all inside the caller's transaction.
func (s *Service) applyAndPublish(ctx context.Context, record *StockRecord, movement Movement) error {
	if err := s.repo.UpdateRecord(ctx, record); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if err := s.repo.AppendMovements(ctx, []Movement{movement}); err != nil {
		return fmt.Errorf("append movement: %w", err)
	}
	return s.publish(ctx, EventMovementRecorded, movement.ID, movement)
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

func (s *Service) invalidate(ctx context.Context, warehouseID, productID id.ID) {
	if s.cache != nil {
		s.cache.InvalidateRecord(ctx, warehouseID, productID)
	}
}
