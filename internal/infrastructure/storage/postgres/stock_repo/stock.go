// Package stock_repo provides the PostgreSQL implementation of the stock
// ledger repository. All queries are tenant-scoped and expect to run inside
// the caller's transaction.
package stock_repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	recordsTable      = "stock_records"
	movementsTable    = "stock_movements"
	reservationsTable = "stock_reservations"
)

// inboundTypes mirrors MovementType.Direction for SQL aggregation.
var inboundTypes = []string{
	string(stock.MovementReceipt),
	string(stock.MovementAdjustmentIn),
	string(stock.MovementTransferIn),
	string(stock.MovementReconciliationReturn),
}

var recordColumns = postgres.ExtractDBColumns[stock.StockRecord]()

var movementColumns = postgres.ExtractDBColumns[stock.Movement]()

// StockRepo implements stock.Repository.
type StockRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewStockRepo creates a new stock ledger repository.
func NewStockRepo(txManager *postgres.TxManager) *StockRepo {
	return &StockRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// GetRecord returns the balance for warehouse+product. A key no movement
// has ever touched yields a zero record, not an error.
func (r *StockRepo) GetRecord(ctx context.Context, warehouseID, productID id.ID) (stock.StockRecord, error) {
	var record stock.StockRecord

	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return record, err
	}

	q := r.builder.Select(recordColumns...).
		From(recordsTable).
		Where(squirrel.Eq{
			"tenant_id":    tenantID,
			"warehouse_id": warehouseID,
			"product_id":   productID,
		}).Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return record, fmt.Errorf("build query: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &record, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return zeroRecord(tenantID, warehouseID, productID), nil
		}
		return record, fmt.Errorf("get stock record: %w", err)
	}

	return record, nil
}

// GetRecordForUpdate returns the balance with a row lock, creating the row
// if it does not exist yet. The insert-then-lock order makes the lock point
// stable for concurrent first movements on the same key.
func (r *StockRepo) GetRecordForUpdate(ctx context.Context, warehouseID, productID id.ID) (stock.StockRecord, error) {
	var record stock.StockRecord

	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return record, err
	}

	querier := r.txManager.GetQuerier(ctx)

	now := time.Now().UTC()
	insertSQL := `
		INSERT INTO stock_records (
			id, tenant_id, warehouse_id, product_id,
			quantity, reserved, cost_average, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 0, 0, 0, 1, $5, $5)
		ON CONFLICT (tenant_id, warehouse_id, product_id) DO NOTHING
	`
	if _, err := querier.Exec(ctx, insertSQL, id.New(), tenantID, warehouseID, productID, now); err != nil {
		return record, fmt.Errorf("ensure stock record: %w", err)
	}

	lockSQL := `
		SELECT id, tenant_id, warehouse_id, product_id,
			   quantity, reserved, cost_average, version, created_at, updated_at
		FROM stock_records
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3
		FOR UPDATE
	`
	if err := pgxscan.Get(ctx, querier, &record, lockSQL, tenantID, warehouseID, productID); err != nil {
		return record, fmt.Errorf("lock stock record: %w", err)
	}

	return record, nil
}

// UpdateRecord persists new balance values for a locked record. The version
// check is a safety net; the row lock already serializes writers.
func (r *StockRepo) UpdateRecord(ctx context.Context, record *stock.StockRecord) error {
	record.UpdatedAt = time.Now().UTC()

	q := r.builder.Update(recordsTable).
		Set("quantity", record.Quantity).
		Set("reserved", record.Reserved).
		Set("cost_average", record.CostAverage).
		Set("version", record.Version+1).
		Set("updated_at", record.UpdatedAt).
		Where(squirrel.Eq{
			"id":      record.ID,
			"version": record.Version,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update stock record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrencyConflict("stock_record", 1)
	}

	record.Version++
	return nil
}

// ListRecordsByWarehouse returns balances for a warehouse.
func (r *StockRepo) ListRecordsByWarehouse(ctx context.Context, warehouseID id.ID, excludeZero bool) ([]stock.StockRecord, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(recordColumns...).
		From(recordsTable).
		Where(squirrel.Eq{
			"tenant_id":    tenantID,
			"warehouse_id": warehouseID,
		})

	if excludeZero {
		q = q.Where(squirrel.NotEq{"quantity": int64(0)})
	}

	q = q.OrderBy("product_id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var records []stock.StockRecord
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &records, sql, args...); err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}

	return records, nil
}

// ListRecordsByProduct returns non-zero balances across warehouses.
func (r *StockRepo) ListRecordsByProduct(ctx context.Context, productID id.ID) ([]stock.StockRecord, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(recordColumns...).
		From(recordsTable).
		Where(squirrel.Eq{
			"tenant_id":  tenantID,
			"product_id": productID,
		}).
		Where(squirrel.NotEq{"quantity": int64(0)}).
		OrderBy("warehouse_id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var records []stock.StockRecord
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &records, sql, args...); err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}

	return records, nil
}

// AppendMovements batch inserts ledger facts. Inside a transaction the COPY
// protocol is used; large reconciliations write dozens of rows at once.
func (r *StockRepo) AppendMovements(ctx context.Context, movements []stock.Movement) error {
	if len(movements) == 0 {
		return nil
	}

	if tx := r.txManager.GetTx(ctx); tx != nil {
		inserter := postgres.NewBatchInserter(r.txManager)
		rows := make([][]any, 0, len(movements))
		for _, m := range movements {
			rows = append(rows, []any{
				m.ID, m.TenantID, m.WarehouseID, m.ProductID,
				m.Type, m.Quantity, m.UnitCost,
				m.Reference, m.Reason, m.ActorID, m.OccurredAt,
			})
		}
		if _, err := inserter.CopyFromSlice(ctx, movementsTable, movementColumns, rows); err != nil {
			return fmt.Errorf("copy movements: %w", err)
		}
		return nil
	}

	q := r.builder.Insert(movementsTable).Columns(movementColumns...)
	for _, m := range movements {
		q = q.Values(
			m.ID, m.TenantID, m.WarehouseID, m.ProductID,
			m.Type, m.Quantity, m.UnitCost,
			m.Reference, m.Reason, m.ActorID, m.OccurredAt,
		)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert movements: %w", err)
	}

	return nil
}

// MovementExists reports whether a movement with the given type and
// reference was already recorded for the key.
func (r *StockRepo) MovementExists(ctx context.Context, warehouseID, productID id.ID, movementType stock.MovementType, reference string) (bool, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return false, err
	}

	sql := `
		SELECT EXISTS (
			SELECT 1 FROM stock_movements
			WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3
			  AND type = $4 AND reference = $5
		)
	`

	var exists bool
	querier := r.txManager.GetQuerier(ctx)
	if err := querier.QueryRow(ctx, sql, tenantID, warehouseID, productID, movementType, reference).Scan(&exists); err != nil {
		return false, fmt.Errorf("check movement exists: %w", err)
	}

	return exists, nil
}

// ListMovements returns movement history matching the filter, newest first.
func (r *StockRepo) ListMovements(ctx context.Context, filter stock.MovementFilter) ([]stock.Movement, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(squirrel.Eq{"tenant_id": tenantID})

	if filter.WarehouseID != nil {
		q = q.Where(squirrel.Eq{"warehouse_id": *filter.WarehouseID})
	}
	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.Type != nil {
		q = q.Where(squirrel.Eq{"type": *filter.Type})
	}
	if filter.Reference != nil {
		q = q.Where(squirrel.Eq{"reference": *filter.Reference})
	}
	if filter.FromDate != nil {
		q = q.Where(squirrel.GtOrEq{"occurred_at": *filter.FromDate})
	}
	if filter.ToDate != nil {
		q = q.Where(squirrel.LtOrEq{"occurred_at": *filter.ToDate})
	}

	q = q.OrderBy("occurred_at DESC", "id DESC")

	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var movements []stock.Movement
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &movements, sql, args...); err != nil {
		return nil, fmt.Errorf("select movements: %w", err)
	}

	return movements, nil
}

// GetTurnover aggregates inbound/outbound totals for a period.
func (r *StockRepo) GetTurnover(ctx context.Context, filter stock.TurnoverFilter) (stock.Turnover, error) {
	var result stock.Turnover

	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return result, err
	}

	args := []any{tenantID, inboundTypes, filter.FromDate, filter.ToDate}
	conditions := "tenant_id = $1 AND occurred_at >= $3 AND occurred_at < $4"
	argIndex := 5

	if filter.WarehouseID != nil {
		conditions += fmt.Sprintf(" AND warehouse_id = $%d", argIndex)
		args = append(args, *filter.WarehouseID)
		argIndex++
	}
	if filter.ProductID != nil {
		conditions += fmt.Sprintf(" AND product_id = $%d", argIndex)
		args = append(args, *filter.ProductID)
	}

	sql := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CASE WHEN type = ANY($2) THEN quantity ELSE 0 END), 0) AS receipt,
			COALESCE(SUM(CASE WHEN type = ANY($2) THEN 0 ELSE quantity END), 0) AS expense
		FROM stock_movements
		WHERE %s
	`, conditions)

	querier := r.txManager.GetQuerier(ctx)
	var receiptScaled, expenseScaled int64
	err = querier.QueryRow(ctx, sql, args...).Scan(&receiptScaled, &expenseScaled)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return result, fmt.Errorf("calculate turnover: %w", err)
	}
	result.Receipt = types.NewQuantityFromInt64Scaled(receiptScaled)
	result.Expense = types.NewQuantityFromInt64Scaled(expenseScaled)

	openingArgs := []any{tenantID, inboundTypes, filter.FromDate}
	openingConditions := "tenant_id = $1 AND occurred_at < $3"
	argIndex = 4

	if filter.WarehouseID != nil {
		openingConditions += fmt.Sprintf(" AND warehouse_id = $%d", argIndex)
		openingArgs = append(openingArgs, *filter.WarehouseID)
		argIndex++
	}
	if filter.ProductID != nil {
		openingConditions += fmt.Sprintf(" AND product_id = $%d", argIndex)
		openingArgs = append(openingArgs, *filter.ProductID)
	}

	openingSQL := fmt.Sprintf(`
		SELECT COALESCE(
			SUM(CASE WHEN type = ANY($2) THEN quantity ELSE -quantity END),
			0
		)
		FROM stock_movements
		WHERE %s
	`, openingConditions)

	var openingScaled int64
	err = querier.QueryRow(ctx, openingSQL, openingArgs...).Scan(&openingScaled)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return result, fmt.Errorf("calculate opening balance: %w", err)
	}
	result.OpeningBalance = types.NewQuantityFromInt64Scaled(openingScaled)
	result.ClosingBalance = result.OpeningBalance + result.Receipt - result.Expense

	return result, nil
}

// GetReservation returns the hold for (warehouse, product, reference), or a
// zero-quantity reservation when none exists.
func (r *StockRepo) GetReservation(ctx context.Context, warehouseID, productID id.ID, reference string) (stock.Reservation, error) {
	var res stock.Reservation

	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return res, err
	}

	sql := `
		SELECT id, tenant_id, warehouse_id, product_id, reference,
			   quantity, created_at, updated_at
		FROM stock_reservations
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3 AND reference = $4
		FOR UPDATE
	`

	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &res, sql, tenantID, warehouseID, productID, reference); err != nil {
		if pgxscan.NotFound(err) {
			return stock.Reservation{
				TenantID:    tenantID,
				WarehouseID: warehouseID,
				ProductID:   productID,
				Reference:   reference,
			}, nil
		}
		return res, fmt.Errorf("get reservation: %w", err)
	}

	return res, nil
}

// SaveReservation inserts or updates a hold.
func (r *StockRepo) SaveReservation(ctx context.Context, res *stock.Reservation) error {
	now := time.Now().UTC()
	if id.IsNil(res.ID) {
		res.ID = id.New()
		res.CreatedAt = now
	}
	res.UpdatedAt = now

	sql := `
		INSERT INTO stock_reservations (
			id, tenant_id, warehouse_id, product_id, reference,
			quantity, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, warehouse_id, product_id, reference)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
	`

	querier := r.txManager.GetQuerier(ctx)
	_, err := querier.Exec(ctx, sql,
		res.ID, res.TenantID, res.WarehouseID, res.ProductID, res.Reference,
		res.Quantity, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}

	return nil
}

// DeleteReservation removes a fully released hold.
func (r *StockRepo) DeleteReservation(ctx context.Context, warehouseID, productID id.ID, reference string) error {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}

	sql := `
		DELETE FROM stock_reservations
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3 AND reference = $4
	`

	querier := r.txManager.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, tenantID, warehouseID, productID, reference); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}

	return nil
}

// RebuildRecord recomputes on-hand quantity from the movement ledger.
func (r *StockRepo) RebuildRecord(ctx context.Context, warehouseID, productID id.ID) (types.Quantity, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return 0, err
	}

	sql := `
		SELECT COALESCE(
			SUM(CASE WHEN type = ANY($2) THEN quantity ELSE -quantity END),
			0
		)
		FROM stock_movements
		WHERE tenant_id = $1 AND warehouse_id = $3 AND product_id = $4
	`

	var scaled int64
	querier := r.txManager.GetQuerier(ctx)
	err = querier.QueryRow(ctx, sql, tenantID, inboundTypes, warehouseID, productID).Scan(&scaled)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("rebuild record: %w", err)
	}

	return types.NewQuantityFromInt64Scaled(scaled), nil
}

func zeroRecord(tenantID, warehouseID, productID id.ID) stock.StockRecord {
	return stock.StockRecord{
		TenantID:    tenantID,
		WarehouseID: warehouseID,
		ProductID:   productID,
		CostAverage: types.ZeroMoney(),
	}
}

// Ensure interface compliance.
var _ stock.Repository = (*StockRepo)(nil)
