// Package transfer_repo provides the PostgreSQL implementation of the
// transfer repository.
package transfer_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/domain/transfer"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	transfersTable     = "transfers"
	transferLinesTable = "transfer_lines"
)

var transferColumns = postgres.ExtractDBColumns[transfer.Transfer]()

var lineColumns = postgres.ExtractDBColumns[transfer.Line]()

// TransferRepo implements transfer.Repository.
type TransferRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewTransferRepo creates a new transfer repository.
func NewTransferRepo(txManager *postgres.TxManager) *TransferRepo {
	return &TransferRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Create inserts the transfer header and lines.
func (r *TransferRepo) Create(ctx context.Context, t *transfer.Transfer) error {
	q := r.builder.Insert(transfersTable).
		Columns(transferColumns...).
		Values(
			t.ID, t.TenantID, t.Reference, t.FromWarehouseID, t.ToWarehouseID,
			t.Status, t.Note, t.RequestedBy, t.ApprovedBy, t.StatusReason,
			t.RequestedAt, t.ExecutedAt, t.CompletedAt, t.Version,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}

	return r.insertLines(ctx, t)
}

// Update persists the header and line quantities using optimistic
// versioning on the header row.
func (r *TransferRepo) Update(ctx context.Context, t *transfer.Transfer) error {
	q := r.builder.Update(transfersTable).
		Set("status", t.Status).
		Set("note", t.Note).
		Set("approved_by", t.ApprovedBy).
		Set("status_reason", t.StatusReason).
		Set("executed_at", t.ExecutedAt).
		Set("completed_at", t.CompletedAt).
		Set("version", t.Version+1).
		Where(squirrel.Eq{
			"id":      t.ID,
			"version": t.Version,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrencyConflict("transfer", 1)
	}
	t.Version++

	for i := range t.Lines {
		line := &t.Lines[i]
		lq := r.builder.Update(transferLinesTable).
			Set("quantity_approved", line.QuantityApproved).
			Set("quantity_received", line.QuantityReceived).
			Set("unit_cost", line.UnitCost).
			Where(squirrel.Eq{"id": line.ID})

		sql, args, err := lq.ToSql()
		if err != nil {
			return fmt.Errorf("build line update: %w", err)
		}
		if _, err := querier.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("update transfer line: %w", err)
		}
	}

	return nil
}

// GetByID returns a transfer with its lines.
func (r *TransferRepo) GetByID(ctx context.Context, transferID id.ID) (*transfer.Transfer, error) {
	return r.getByID(ctx, transferID, false)
}

// GetByIDForUpdate returns a transfer with a row lock on the header,
// serializing concurrent state transitions.
func (r *TransferRepo) GetByIDForUpdate(ctx context.Context, transferID id.ID) (*transfer.Transfer, error) {
	return r.getByID(ctx, transferID, true)
}

func (r *TransferRepo) getByID(ctx context.Context, transferID id.ID, forUpdate bool) (*transfer.Transfer, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(transferColumns...).
		From(transfersTable).
		Where(squirrel.Eq{
			"id":        transferID,
			"tenant_id": tenantID,
		})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var t transfer.Transfer
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &t, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("transfer", transferID)
		}
		return nil, fmt.Errorf("get transfer: %w", err)
	}

	lines, err := r.getLines(ctx, transferID)
	if err != nil {
		return nil, err
	}
	t.Lines = lines

	return &t, nil
}

// List returns transfers matching the filter, newest first. Lines are not
// loaded; listings show headers only.
func (r *TransferRepo) List(ctx context.Context, filter transfer.ListFilter) ([]transfer.Transfer, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(transferColumns...).
		From(transfersTable).
		Where(squirrel.Eq{"tenant_id": tenantID})

	if filter.WarehouseID != nil {
		q = q.Where(squirrel.Or{
			squirrel.Eq{"from_warehouse_id": *filter.WarehouseID},
			squirrel.Eq{"to_warehouse_id": *filter.WarehouseID},
		})
	}
	if filter.Status != nil {
		q = q.Where(squirrel.Eq{"status": *filter.Status})
	}
	if filter.FromDate != nil {
		q = q.Where(squirrel.GtOrEq{"requested_at": *filter.FromDate})
	}
	if filter.ToDate != nil {
		q = q.Where(squirrel.LtOrEq{"requested_at": *filter.ToDate})
	}

	q = q.OrderBy("requested_at DESC", "id DESC")

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

	var transfers []transfer.Transfer
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &transfers, sql, args...); err != nil {
		return nil, fmt.Errorf("select transfers: %w", err)
	}

	return transfers, nil
}

func (r *TransferRepo) insertLines(ctx context.Context, t *transfer.Transfer) error {
	if len(t.Lines) == 0 {
		return nil
	}

	q := r.builder.Insert(transferLinesTable).Columns(lineColumns...)
	for _, line := range t.Lines {
		q = q.Values(
			line.ID, t.ID, line.ProductID,
			line.QuantityRequested, line.QuantityApproved, line.QuantityReceived,
			line.UnitCost,
		)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert lines: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert transfer lines: %w", err)
	}

	return nil
}

func (r *TransferRepo) getLines(ctx context.Context, transferID id.ID) ([]transfer.Line, error) {
	q := r.builder.Select(lineColumns...).
		From(transferLinesTable).
		Where(squirrel.Eq{"transfer_id": transferID}).
		OrderBy("product_id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var lines []transfer.Line
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &lines, sql, args...); err != nil {
		return nil, fmt.Errorf("get transfer lines: %w", err)
	}

	return lines, nil
}

var _ transfer.Repository = (*TransferRepo)(nil)
