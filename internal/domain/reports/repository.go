package reports

import (
	"context"
)

// Repository defines report data access. Implementations read the stock
// record store, the movement ledger and the delegated-stock tables.
type Repository interface {
	GetValuationReport(ctx context.Context, filter ValuationFilter) (*ValuationReport, error)
	GetLowStockReport(ctx context.Context, filter LowStockFilter) (*LowStockReport, error)
	GetTurnoverReport(ctx context.Context, filter TurnoverReportFilter) (*TurnoverReport, error)
	GetMovementJournal(ctx context.Context, filter MovementJournalFilter) (*MovementJournal, error)
	GetDelegationOutstanding(ctx context.Context, filter DelegationOutstandingFilter) (*DelegationOutstandingReport, error)
}
