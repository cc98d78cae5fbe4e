// Package delegation_repo provides the PostgreSQL implementation of the
// delegated-stock repository and the cash fact ledger.
package delegation_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/delegation"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	stocksTable          = "delegated_stocks"
	movementsTable       = "delegated_stock_movements"
	reconciliationsTable = "reconciliations"
	cashFactsTable       = "cash_facts"
)

var stockColumns = postgres.ExtractDBColumns[delegation.DelegatedStock]()

var movementColumns = postgres.ExtractDBColumns[delegation.Movement]()

var reconciliationColumns = postgres.ExtractDBColumns[delegation.Reconciliation]()

// DelegationRepo implements delegation.Repository.
type DelegationRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewDelegationRepo creates a new delegated-stock repository.
func NewDelegationRepo(txManager *postgres.TxManager) *DelegationRepo {
	return &DelegationRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// CreateStocks inserts the rows of one delegation batch.
func (r *DelegationRepo) CreateStocks(ctx context.Context, stocks []delegation.DelegatedStock) error {
	if len(stocks) == 0 {
		return nil
	}

	q := r.builder.Insert(stocksTable).Columns(stockColumns...)
	for _, s := range stocks {
		q = q.Values(
			s.ID, s.TenantID, s.ServerID, s.WarehouseID, s.ProductID, s.Batch,
			s.QuantityDelegated, s.QuantityRemaining, s.QuantitySold,
			s.QuantityReturned, s.QuantityLost,
			s.UnitPrice, s.UnitCost, s.TotalSales,
			s.Status, s.DelegatedAt, s.SettledAt, s.Version,
		)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert delegated stocks: %w", err)
	}

	return nil
}

// GetStock returns one delegated row.
func (r *DelegationRepo) GetStock(ctx context.Context, stockID id.ID) (*delegation.DelegatedStock, error) {
	return r.getStock(ctx, stockID, false)
}

// GetStockForUpdate returns one delegated row with a row lock.
func (r *DelegationRepo) GetStockForUpdate(ctx context.Context, stockID id.ID) (*delegation.DelegatedStock, error) {
	return r.getStock(ctx, stockID, true)
}

func (r *DelegationRepo) getStock(ctx context.Context, stockID id.ID, forUpdate bool) (*delegation.DelegatedStock, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(stockColumns...).
		From(stocksTable).
		Where(squirrel.Eq{
			"id":        stockID,
			"tenant_id": tenantID,
		})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var s delegation.DelegatedStock
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &s, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("delegated_stock", stockID)
		}
		return nil, fmt.Errorf("get delegated stock: %w", err)
	}

	return &s, nil
}

// UpdateStock persists bucket and status changes with optimistic
// versioning.
func (r *DelegationRepo) UpdateStock(ctx context.Context, stock *delegation.DelegatedStock) error {
	q := r.builder.Update(stocksTable).
		Set("quantity_remaining", stock.QuantityRemaining).
		Set("quantity_sold", stock.QuantitySold).
		Set("quantity_returned", stock.QuantityReturned).
		Set("quantity_lost", stock.QuantityLost).
		Set("total_sales", stock.TotalSales).
		Set("status", stock.Status).
		Set("settled_at", stock.SettledAt).
		Set("version", stock.Version+1).
		Where(squirrel.Eq{
			"id":      stock.ID,
			"version": stock.Version,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update delegated stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrencyConflict("delegated_stock", 1)
	}

	stock.Version++
	return nil
}

// ListStocksByServer returns a seller's rows, optionally filtered by
// status.
func (r *DelegationRepo) ListStocksByServer(ctx context.Context, serverID id.ID, statuses ...delegation.StockStatus) ([]delegation.DelegatedStock, error) {
	return r.listStocks(ctx, serverID, false, statuses)
}

// ListStocksForUpdate locks and returns a seller's rows in the given
// statuses, ordered by id for a stable lock order.
func (r *DelegationRepo) ListStocksForUpdate(ctx context.Context, serverID id.ID, statuses ...delegation.StockStatus) ([]delegation.DelegatedStock, error) {
	return r.listStocks(ctx, serverID, true, statuses)
}

func (r *DelegationRepo) listStocks(ctx context.Context, serverID id.ID, forUpdate bool, statuses []delegation.StockStatus) ([]delegation.DelegatedStock, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(stockColumns...).
		From(stocksTable).
		Where(squirrel.Eq{
			"tenant_id": tenantID,
			"server_id": serverID,
		})

	if len(statuses) > 0 {
		q = q.Where(squirrel.Eq{"status": statuses})
	}

	q = q.OrderBy("id")
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var stocks []delegation.DelegatedStock
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &stocks, sql, args...); err != nil {
		return nil, fmt.Errorf("select delegated stocks: %w", err)
	}

	return stocks, nil
}

// AppendMovements inserts sub-ledger facts. The COPY protocol is used
// inside a transaction, matching the main ledger.
func (r *DelegationRepo) AppendMovements(ctx context.Context, movements []delegation.Movement) error {
	if len(movements) == 0 {
		return nil
	}

	if tx := r.txManager.GetTx(ctx); tx != nil {
		inserter := postgres.NewBatchInserter(r.txManager)
		rows := make([][]any, 0, len(movements))
		for _, m := range movements {
			rows = append(rows, []any{
				m.ID, m.TenantID, m.DelegatedStockID, m.ServerID, m.ProductID,
				m.Kind, m.Quantity, m.QuantityBefore, m.QuantityAfter,
				m.UnitPrice, m.TotalAmount,
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
			m.ID, m.TenantID, m.DelegatedStockID, m.ServerID, m.ProductID,
			m.Kind, m.Quantity, m.QuantityBefore, m.QuantityAfter,
			m.UnitPrice, m.TotalAmount,
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

// ListMovements returns the sub-ledger for one delegated row, newest first.
func (r *DelegationRepo) ListMovements(ctx context.Context, stockID id.ID, limit, offset int) ([]delegation.Movement, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(squirrel.Eq{
			"tenant_id":          tenantID,
			"delegated_stock_id": stockID,
		}).
		OrderBy("occurred_at DESC", "id DESC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	if offset > 0 {
		q = q.Offset(uint64(offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var movements []delegation.Movement
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &movements, sql, args...); err != nil {
		return nil, fmt.Errorf("select movements: %w", err)
	}

	return movements, nil
}

// CreateReconciliation inserts a new session. The partial unique index on
// (tenant_id, server_id) for open/pending rows backs the one-at-a-time
// rule at the storage level.
func (r *DelegationRepo) CreateReconciliation(ctx context.Context, rec *delegation.Reconciliation) error {
	q := r.builder.Insert(reconciliationsTable).
		Columns(reconciliationColumns...).
		Values(
			rec.ID, rec.TenantID, rec.ServerID, rec.Reference, rec.Status,
			rec.SessionStart, rec.SessionEnd,
			rec.TotalDelegatedValue, rec.TotalSales, rec.TotalReturnedValue,
			rec.TotalLossesValue, rec.CashExpected, rec.CashCollected, rec.CashDifference,
			rec.ServerNotes, rec.ManagerNotes, rec.ManagerID, rec.Version,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert reconciliation: %w", err)
	}

	return nil
}

// GetReconciliation returns a session by id.
func (r *DelegationRepo) GetReconciliation(ctx context.Context, recID id.ID) (*delegation.Reconciliation, error) {
	return r.getReconciliation(ctx, recID, false)
}

// GetReconciliationForUpdate returns a session with a row lock.
func (r *DelegationRepo) GetReconciliationForUpdate(ctx context.Context, recID id.ID) (*delegation.Reconciliation, error) {
	return r.getReconciliation(ctx, recID, true)
}

func (r *DelegationRepo) getReconciliation(ctx context.Context, recID id.ID, forUpdate bool) (*delegation.Reconciliation, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(reconciliationColumns...).
		From(reconciliationsTable).
		Where(squirrel.Eq{
			"id":        recID,
			"tenant_id": tenantID,
		})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rec delegation.Reconciliation
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &rec, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("reconciliation", recID)
		}
		return nil, fmt.Errorf("get reconciliation: %w", err)
	}

	return &rec, nil
}

// GetOpenReconciliation returns the seller's open or pending session, or
// nil when there is none.
func (r *DelegationRepo) GetOpenReconciliation(ctx context.Context, serverID id.ID) (*delegation.Reconciliation, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(reconciliationColumns...).
		From(reconciliationsTable).
		Where(squirrel.Eq{
			"tenant_id": tenantID,
			"server_id": serverID,
			"status": []delegation.ReconciliationStatus{
				delegation.ReconciliationOpen,
				delegation.ReconciliationPending,
			},
		}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rec delegation.Reconciliation
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &rec, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get open reconciliation: %w", err)
	}

	return &rec, nil
}

// UpdateReconciliation persists state and totals with optimistic
// versioning.
func (r *DelegationRepo) UpdateReconciliation(ctx context.Context, rec *delegation.Reconciliation) error {
	q := r.builder.Update(reconciliationsTable).
		Set("status", rec.Status).
		Set("session_end", rec.SessionEnd).
		Set("total_delegated_value", rec.TotalDelegatedValue).
		Set("total_sales", rec.TotalSales).
		Set("total_returned_value", rec.TotalReturnedValue).
		Set("total_losses_value", rec.TotalLossesValue).
		Set("cash_expected", rec.CashExpected).
		Set("cash_collected", rec.CashCollected).
		Set("cash_difference", rec.CashDifference).
		Set("server_notes", rec.ServerNotes).
		Set("manager_notes", rec.ManagerNotes).
		Set("manager_id", rec.ManagerID).
		Set("version", rec.Version+1).
		Where(squirrel.Eq{
			"id":      rec.ID,
			"version": rec.Version,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update reconciliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrencyConflict("reconciliation", 1)
	}

	rec.Version++
	return nil
}

var _ delegation.Repository = (*DelegationRepo)(nil)

// CashLedgerRepo implements delegation.CashLedger by appending rows to the
// cash fact table inside the caller's transaction.
type CashLedgerRepo struct {
	txManager *postgres.TxManager
}

// NewCashLedgerRepo creates a new cash ledger.
func NewCashLedgerRepo(txManager *postgres.TxManager) *CashLedgerRepo {
	return &CashLedgerRepo{txManager: txManager}
}

// RecordCashIn appends one validated cash-in fact.
func (r *CashLedgerRepo) RecordCashIn(ctx context.Context, amount types.Money, reference string, serverID id.ID, occurredAt time.Time) error {
	scope, err := tenant.GetScope(ctx)
	if err != nil {
		return err
	}

	sql := `
		INSERT INTO cash_facts (
			id, tenant_id, server_id, amount, reference, actor_id, occurred_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	querier := r.txManager.GetQuerier(ctx)
	_, err = querier.Exec(ctx, sql,
		id.New(), scope.TenantID, serverID, amount, reference, scope.ActorID,
		occurredAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert cash fact: %w", err)
	}

	return nil
}

var _ delegation.CashLedger = (*CashLedgerRepo)(nil)
