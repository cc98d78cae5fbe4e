// Package report_repo provides the PostgreSQL implementation of the report
// repository. Reports read the materialized stock records where possible
// and fall back to the movement ledger for period aggregates.
package report_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/tenant"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/delegation"
	"stockledger/internal/domain/reports"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

var inboundTypes = []string{
	string(stock.MovementReceipt),
	string(stock.MovementAdjustmentIn),
	string(stock.MovementTransferIn),
	string(stock.MovementReconciliationReturn),
}

// ReportRepo implements reports.Repository.
type ReportRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewReportRepo creates a new report repository.
func NewReportRepo(txManager *postgres.TxManager) *ReportRepo {
	return &ReportRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// GetValuationReport values on-hand stock at the weighted-average cost.
func (r *ReportRepo) GetValuationReport(ctx context.Context, filter reports.ValuationFilter) (*reports.ValuationReport, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(
		"warehouse_id",
		"product_id",
		"quantity",
		"reserved",
		"quantity - reserved AS available",
		"cost_average",
		"ROUND(cost_average * quantity / 10000::numeric, 4) AS total_value",
	).From("stock_records").
		Where(squirrel.Eq{"tenant_id": tenantID})

	if len(filter.WarehouseIDs) > 0 {
		q = q.Where(squirrel.Eq{"warehouse_id": filter.WarehouseIDs})
	}
	if len(filter.ProductIDs) > 0 {
		q = q.Where(squirrel.Eq{"product_id": filter.ProductIDs})
	}
	if filter.ExcludeZero {
		q = q.Where(squirrel.NotEq{"quantity": int64(0)})
	}

	q = q.OrderBy("warehouse_id", "product_id")
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

	var items []reports.ValuationItem
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &items, sql, args...); err != nil {
		return nil, fmt.Errorf("select valuation: %w", err)
	}

	report := &reports.ValuationReport{
		GeneratedAt: time.Now().UTC(),
		Items:       items,
		TotalItems:  len(items),
		TotalValue:  types.ZeroMoney(),
	}
	for i := range items {
		report.TotalValue = report.TotalValue.Add(items[i].TotalValue)
	}

	return report, nil
}

// GetLowStockReport lists products whose available quantity sits at or
// below the threshold.
func (r *ReportRepo) GetLowStockReport(ctx context.Context, filter reports.LowStockFilter) (*reports.LowStockReport, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(
		"warehouse_id",
		"product_id",
		"quantity",
		"reserved",
		"quantity - reserved AS available",
	).From("stock_records").
		Where(squirrel.Eq{"tenant_id": tenantID}).
		Where(squirrel.LtOrEq{"quantity - reserved": filter.Threshold.Int64Scaled()})

	if len(filter.WarehouseIDs) > 0 {
		q = q.Where(squirrel.Eq{"warehouse_id": filter.WarehouseIDs})
	}

	q = q.OrderBy("quantity - reserved", "warehouse_id", "product_id")
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

	var items []reports.LowStockItem
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &items, sql, args...); err != nil {
		return nil, fmt.Errorf("select low stock: %w", err)
	}

	return &reports.LowStockReport{
		GeneratedAt: time.Now().UTC(),
		Threshold:   filter.Threshold,
		Items:       items,
		TotalItems:  len(items),
	}, nil
}

// GetTurnoverReport aggregates inbound and outbound quantities per
// warehouse+product key over a period, with opening balances computed from
// the ledger prefix.
func (r *ReportRepo) GetTurnoverReport(ctx context.Context, filter reports.TurnoverReportFilter) (*reports.TurnoverReport, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	args := []any{tenantID, inboundTypes, filter.FromDate, filter.ToDate}
	extra := ""
	argIndex := 5

	if len(filter.WarehouseIDs) > 0 {
		extra += fmt.Sprintf(" AND warehouse_id = ANY($%d)", argIndex)
		args = append(args, filter.WarehouseIDs)
		argIndex++
	}
	if len(filter.ProductIDs) > 0 {
		extra += fmt.Sprintf(" AND product_id = ANY($%d)", argIndex)
		args = append(args, filter.ProductIDs)
	}

	combined := fmt.Sprintf(`
		WITH period AS (
			SELECT warehouse_id, product_id,
				COALESCE(SUM(CASE WHEN type = ANY($2) THEN quantity ELSE 0 END), 0) AS receipt,
				COALESCE(SUM(CASE WHEN type = ANY($2) THEN 0 ELSE quantity END), 0) AS expense
			FROM stock_movements
			WHERE tenant_id = $1 AND occurred_at >= $3 AND occurred_at < $4%s
			GROUP BY warehouse_id, product_id
		), opening AS (
			SELECT warehouse_id, product_id,
				COALESCE(SUM(CASE WHEN type = ANY($2) THEN quantity ELSE -quantity END), 0) AS opening
			FROM stock_movements
			WHERE tenant_id = $1 AND occurred_at < $3%s
			GROUP BY warehouse_id, product_id
		)
		SELECT
			COALESCE(p.warehouse_id, o.warehouse_id) AS warehouse_id,
			COALESCE(p.product_id, o.product_id) AS product_id,
			COALESCE(o.opening, 0) AS opening_balance,
			COALESCE(p.receipt, 0) AS receipt,
			COALESCE(p.expense, 0) AS expense,
			COALESCE(o.opening, 0) + COALESCE(p.receipt, 0) - COALESCE(p.expense, 0) AS closing_balance
		FROM period p
		FULL OUTER JOIN opening o
		  ON o.warehouse_id = p.warehouse_id AND o.product_id = p.product_id
		ORDER BY warehouse_id, product_id
	`, extra, extra)

	if filter.Limit > 0 {
		combined += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		combined += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var items []reports.TurnoverItem
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &items, combined, args...); err != nil {
		return nil, fmt.Errorf("select turnover: %w", err)
	}

	report := &reports.TurnoverReport{
		FromDate:   filter.FromDate,
		ToDate:     filter.ToDate,
		Items:      items,
		TotalItems: len(items),
	}
	for i := range items {
		report.TotalReceipt += items[i].Receipt
		report.TotalExpense += items[i].Expense
	}

	return report, nil
}

// GetMovementJournal returns the paginated ledger history with a total
// count for paging.
func (r *ReportRepo) GetMovementJournal(ctx context.Context, filter reports.MovementJournalFilter) (*reports.MovementJournal, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	conds := squirrel.And{squirrel.Eq{"tenant_id": tenantID}}
	if len(filter.WarehouseIDs) > 0 {
		conds = append(conds, squirrel.Eq{"warehouse_id": filter.WarehouseIDs})
	}
	if len(filter.ProductIDs) > 0 {
		conds = append(conds, squirrel.Eq{"product_id": filter.ProductIDs})
	}
	if len(filter.MovementTypes) > 0 {
		conds = append(conds, squirrel.Eq{"type": filter.MovementTypes})
	}
	if filter.Reference != "" {
		conds = append(conds, squirrel.Eq{"reference": filter.Reference})
	}
	if filter.FromDate != nil {
		conds = append(conds, squirrel.GtOrEq{"occurred_at": *filter.FromDate})
	}
	if filter.ToDate != nil {
		conds = append(conds, squirrel.LtOrEq{"occurred_at": *filter.ToDate})
	}

	countSQL, countArgs, err := r.builder.Select("COUNT(*)").
		From("stock_movements").Where(conds).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	var total int
	if err := querier.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count movements: %w", err)
	}

	q := r.builder.Select(
		"id", "warehouse_id", "product_id", "type",
		"quantity", "unit_cost", "reference", "actor_id", "occurred_at",
	).From("stock_movements").
		Where(conds).
		OrderBy("occurred_at DESC", "id DESC")

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

	var items []reports.MovementJournalItem
	if err := pgxscan.Select(ctx, querier, &items, sql, args...); err != nil {
		return nil, fmt.Errorf("select journal: %w", err)
	}

	return &reports.MovementJournal{
		Items:      items,
		TotalCount: total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	}, nil
}

// GetDelegationOutstanding lists stock still out with sellers, valued at
// the frozen delegation cost.
func (r *ReportRepo) GetDelegationOutstanding(ctx context.Context, filter reports.DelegationOutstandingFilter) (*reports.DelegationOutstandingReport, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(
		"server_id",
		"product_id",
		"batch",
		"quantity_remaining",
		"unit_price",
		"unit_cost",
		"ROUND(unit_cost * quantity_remaining / 10000::numeric, 4) AS outstanding_value",
		"delegated_at",
	).From("delegated_stocks").
		Where(squirrel.Eq{"tenant_id": tenantID}).
		Where(squirrel.NotEq{"status": delegation.StockSettled}).
		Where(squirrel.Gt{"quantity_remaining": int64(0)})

	if len(filter.ServerIDs) > 0 {
		q = q.Where(squirrel.Eq{"server_id": filter.ServerIDs})
	}

	q = q.OrderBy("server_id", "delegated_at", "product_id")
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

	var items []reports.DelegationOutstandingItem
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &items, sql, args...); err != nil {
		return nil, fmt.Errorf("select outstanding: %w", err)
	}

	report := &reports.DelegationOutstandingReport{
		GeneratedAt: time.Now().UTC(),
		Items:       items,
		TotalItems:  len(items),
		TotalValue:  types.ZeroMoney(),
	}
	for i := range items {
		report.TotalValue = report.TotalValue.Add(items[i].OutstandingValue)
	}

	return report, nil
}

var _ reports.Repository = (*ReportRepo)(nil)
