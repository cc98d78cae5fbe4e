package delegation

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/pkg/refgen"
)

type memRepo struct {
	stocks          map[id.ID]DelegatedStock
	movements       []Movement
	reconciliations map[id.ID]Reconciliation
}

func newMemRepo() *memRepo {
	return &memRepo{
		stocks:          make(map[id.ID]DelegatedStock),
		reconciliations: make(map[id.ID]Reconciliation),
	}
}

func (m *memRepo) CreateStocks(_ context.Context, stocks []DelegatedStock) error {
	for _, s := range stocks {
		m.stocks[s.ID] = s
	}
	return nil
}

func (m *memRepo) GetStock(_ context.Context, stockID id.ID) (*DelegatedStock, error) {
	s, ok := m.stocks[stockID]
	if !ok {
		return nil, apperror.NewNotFound("delegated_stock", stockID)
	}
	out := s
	return &out, nil
}

func (m *memRepo) GetStockForUpdate(ctx context.Context, stockID id.ID) (*DelegatedStock, error) {
	return m.GetStock(ctx, stockID)
}

func (m *memRepo) UpdateStock(_ context.Context, stock *DelegatedStock) error {
	stock.Version++
	m.stocks[stock.ID] = *stock
	return nil
}

func (m *memRepo) listStocks(serverID id.ID, statuses ...StockStatus) []DelegatedStock {
	var out []DelegatedStock
	for _, s := range m.stocks {
		if s.ServerID != serverID {
			continue
		}
		if len(statuses) == 0 {
			out = append(out, s)
			continue
		}
		for _, st := range statuses {
			if s.Status == st {
				out = append(out, s)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (m *memRepo) ListStocksByServer(_ context.Context, serverID id.ID, statuses ...StockStatus) ([]DelegatedStock, error) {
	return m.listStocks(serverID, statuses...), nil
}

func (m *memRepo) ListStocksForUpdate(_ context.Context, serverID id.ID, statuses ...StockStatus) ([]DelegatedStock, error) {
	return m.listStocks(serverID, statuses...), nil
}

func (m *memRepo) AppendMovements(_ context.Context, movements []Movement) error {
	m.movements = append(m.movements, movements...)
	return nil
}

func (m *memRepo) ListMovements(_ context.Context, stockID id.ID, _, _ int) ([]Movement, error) {
	var out []Movement
	for _, mv := range m.movements {
		if mv.DelegatedStockID == stockID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (m *memRepo) CreateReconciliation(_ context.Context, rec *Reconciliation) error {
	m.reconciliations[rec.ID] = *rec
	return nil
}

func (m *memRepo) GetReconciliation(_ context.Context, recID id.ID) (*Reconciliation, error) {
	r, ok := m.reconciliations[recID]
	if !ok {
		return nil, apperror.NewNotFound("reconciliation", recID)
	}
	out := r
	return &out, nil
}

func (m *memRepo) GetReconciliationForUpdate(ctx context.Context, recID id.ID) (*Reconciliation, error) {
	return m.GetReconciliation(ctx, recID)
}

func (m *memRepo) GetOpenReconciliation(_ context.Context, serverID id.ID) (*Reconciliation, error) {
	for _, r := range m.reconciliations {
		if r.ServerID == serverID && r.IsOpen() {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memRepo) UpdateReconciliation(_ context.Context, rec *Reconciliation) error {
	rec.Version++
	m.reconciliations[rec.ID] = *rec
	return nil
}

type fakeLedger struct {
	balances map[string]stock.StockRecord
	receipts []stock.ReceiptInput
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]stock.StockRecord)}
}

func balanceKey(warehouseID, productID id.ID) string {
	return warehouseID.String() + ":" + productID.String()
}

func (l *fakeLedger) seed(warehouseID, productID id.ID, quantity types.Quantity, cost string) {
	l.balances[balanceKey(warehouseID, productID)] = stock.StockRecord{
		WarehouseID: warehouseID,
		ProductID:   productID,
		Quantity:    quantity,
		CostAverage: types.MustMoney(cost),
	}
}

func (l *fakeLedger) ApplyConsumption(_ context.Context, in stock.ConsumptionInput) (stock.StockRecord, error) {
	rec := l.balances[balanceKey(in.WarehouseID, in.ProductID)]
	if rec.Quantity < in.Quantity {
		return stock.StockRecord{}, apperror.NewInsufficientStock(in.ProductID.String(), in.Quantity, rec.Quantity)
	}
	rec.Quantity -= in.Quantity
	l.balances[balanceKey(in.WarehouseID, in.ProductID)] = rec
	return rec, nil
}

func (l *fakeLedger) ApplyReceipt(_ context.Context, in stock.ReceiptInput) (stock.StockRecord, error) {
	// same per-reference duplicate guard as the real ledger
	for _, prev := range l.receipts {
		if prev.WarehouseID == in.WarehouseID && prev.ProductID == in.ProductID &&
			prev.Type == in.Type && prev.Reference == in.Reference {
			return stock.StockRecord{}, apperror.NewDuplicateOperation(string(in.Type), in.Reference)
		}
	}
	key := balanceKey(in.WarehouseID, in.ProductID)
	rec := l.balances[key]
	rec.CostAverage = types.WeightedAverage(rec.Quantity, rec.CostAverage, in.Quantity, in.UnitCost)
	rec.Quantity += in.Quantity
	l.balances[key] = rec
	l.receipts = append(l.receipts, in)
	return rec, nil
}

type rollbackTx struct {
	ledger *fakeLedger
	repo   *memRepo
}

func (tx rollbackTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	balBefore := make(map[string]stock.StockRecord, len(tx.ledger.balances))
	for k, v := range tx.ledger.balances {
		balBefore[k] = v
	}
	stocksBefore := make(map[id.ID]DelegatedStock, len(tx.repo.stocks))
	for k, v := range tx.repo.stocks {
		stocksBefore[k] = v
	}
	recsBefore := make(map[id.ID]Reconciliation, len(tx.repo.reconciliations))
	for k, v := range tx.repo.reconciliations {
		recsBefore[k] = v
	}
	movesBefore := len(tx.repo.movements)
	receiptsBefore := len(tx.ledger.receipts)

	if err := fn(ctx); err != nil {
		tx.ledger.balances = balBefore
		tx.repo.stocks = stocksBefore
		tx.repo.reconciliations = recsBefore
		tx.repo.movements = tx.repo.movements[:movesBefore]
		tx.ledger.receipts = tx.ledger.receipts[:receiptsBefore]
		return err
	}
	return nil
}

type seqRefs struct{ n int }

func (r *seqRefs) Next(_ context.Context, cfg refgen.Config, at time.Time) (string, error) {
	r.n++
	return fmt.Sprintf("%s-%s-%04d", cfg.Prefix, at.UTC().Format("20060102"), r.n), nil
}

type fakeCash struct {
	entries []types.Money
}

func (c *fakeCash) RecordCashIn(_ context.Context, amount types.Money, _ string, _ id.ID, _ time.Time) error {
	c.entries = append(c.entries, amount)
	return nil
}

func newTestService(t *testing.T) (context.Context, *Service, *memRepo, *fakeLedger, *fakeCash) {
	t.Helper()
	ctx := tenant.WithScope(context.Background(), tenant.Scope{
		TenantID: id.New(),
		ActorID:  id.New(),
	})
	repo := newMemRepo()
	ledger := newFakeLedger()
	cash := &fakeCash{}
	svc := NewService(repo, ledger, rollbackTx{ledger: ledger, repo: repo}, &seqRefs{}, cash, nil, nil)
	return ctx, svc, repo, ledger, cash
}

func qty(v float64) types.Quantity { return types.NewQuantityFromFloat64(v) }

func TestDelegate(t *testing.T) {
	ctx, svc, _, ledger, _ := newTestService(t)
	server, wh := id.New(), id.New()
	prodA, prodB := id.New(), id.New()

	ledger.seed(wh, prodA, qty(100), "600")
	ledger.seed(wh, prodB, qty(30), "250.5")

	stocks, err := svc.Delegate(ctx, DelegateInput{
		ServerID:    server,
		WarehouseID: wh,
		Items: []DelegateItem{
			{ProductID: prodA, Quantity: qty(20), UnitPrice: types.MustMoney("1000")},
			{ProductID: prodB, Quantity: qty(10), UnitPrice: types.MustMoney("500")},
		},
	})
	require.NoError(t, err)
	require.Len(t, stocks, 2)

	// warehouse debited
	assert.Equal(t, qty(80), ledger.balances[balanceKey(wh, prodA)].Quantity)
	assert.Equal(t, qty(20), ledger.balances[balanceKey(wh, prodB)].Quantity)

	for _, s := range stocks {
		assert.Equal(t, StockActive, s.Status)
		assert.Equal(t, s.QuantityDelegated, s.QuantityRemaining)
		assert.True(t, s.QuantitySold.IsZero())
		switch s.ProductID {
		case prodA:
			// unit cost frozen from the warehouse average at delegation
			assert.True(t, s.UnitCost.Equal(types.MustMoney("600")))
		case prodB:
			assert.True(t, s.UnitCost.Equal(types.MustMoney("250.5")))
		}
		s.CheckInvariant()
	}
}

func TestDelegate_RejectsDuplicateProduct(t *testing.T) {
	ctx, svc, repo, ledger, _ := newTestService(t)
	server, wh, prod := id.New(), id.New(), id.New()
	ledger.seed(wh, prod, qty(100), "600")

	_, err := svc.Delegate(ctx, DelegateInput{
		ServerID:    server,
		WarehouseID: wh,
		Items: []DelegateItem{
			{ProductID: prod, Quantity: qty(10), UnitPrice: types.MustMoney("1000")},
			{ProductID: prod, Quantity: qty(5), UnitPrice: types.MustMoney("1000")},
		},
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	assert.Equal(t, qty(100), ledger.balances[balanceKey(wh, prod)].Quantity, "nothing debited")
	assert.Empty(t, repo.stocks)
}

func TestDelegate_AllOrNothing(t *testing.T) {
	ctx, svc, repo, ledger, _ := newTestService(t)
	server, wh := id.New(), id.New()
	prodA, prodB := id.New(), id.New()

	ledger.seed(wh, prodA, qty(100), "600")
	ledger.seed(wh, prodB, qty(3), "250") // too little

	_, err := svc.Delegate(ctx, DelegateInput{
		ServerID:    server,
		WarehouseID: wh,
		Items: []DelegateItem{
			{ProductID: prodA, Quantity: qty(20), UnitPrice: types.MustMoney("1000")},
			{ProductID: prodB, Quantity: qty(10), UnitPrice: types.MustMoney("500")},
		},
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientStock))

	assert.Equal(t, qty(100), ledger.balances[balanceKey(wh, prodA)].Quantity)
	assert.Empty(t, repo.stocks)
	assert.Empty(t, repo.movements)
}

func TestRecordSale(t *testing.T) {
	ctx, svc, repo, ledger, _ := newTestService(t)
	server, wh, prod := id.New(), id.New(), id.New()
	ledger.seed(wh, prod, qty(100), "600")

	stocks, err := svc.Delegate(ctx, DelegateInput{
		ServerID: server, WarehouseID: wh,
		Items: []DelegateItem{{ProductID: prod, Quantity: qty(20), UnitPrice: types.MustMoney("1000")}},
	})
	require.NoError(t, err)
	row := stocks[0]

	got, err := svc.RecordSale(ctx, row.ID, qty(6), "TICKET-1")
	require.NoError(t, err)
	assert.Equal(t, qty(14), got.QuantityRemaining)
	assert.Equal(t, qty(6), got.QuantitySold)
	assert.True(t, got.TotalSales.Equal(types.MustMoney("6000")), "got %s", got.TotalSales)

	// before/after quantities on the sub-ledger fact
	moves, err := svc.GetMovements(ctx, row.ID, 0, 0)
	require.NoError(t, err)
	last := moves[len(moves)-1]
	assert.Equal(t, KindSale, last.Kind)
	assert.Equal(t, qty(20), last.QuantityBefore)
	assert.Equal(t, qty(14), last.QuantityAfter)

	t.Run("insufficient remaining", func(t *testing.T) {
		_, err := svc.RecordSale(ctx, row.ID, qty(15), "TICKET-2")
		assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientQuantity))
	})
	_ = repo
}

func TestReturnAndLoss(t *testing.T) {
	ctx, svc, _, ledger, _ := newTestService(t)
	server, wh, prod := id.New(), id.New(), id.New()
	ledger.seed(wh, prod, qty(100), "600")

	stocks, err := svc.Delegate(ctx, DelegateInput{
		ServerID: server, WarehouseID: wh,
		Items: []DelegateItem{{ProductID: prod, Quantity: qty(20), UnitPrice: types.MustMoney("1000")}},
	})
	require.NoError(t, err)
	row := stocks[0]

	got, err := svc.ReturnStock(ctx, row.ID, qty(3), "unsold crates")
	require.NoError(t, err)
	assert.Equal(t, qty(17), got.QuantityRemaining)
	assert.Equal(t, qty(3), got.QuantityReturned)

	got, err = svc.DeclareLoss(ctx, row.ID, qty(2), "breakage")
	require.NoError(t, err)
	assert.Equal(t, qty(15), got.QuantityRemaining)
	assert.Equal(t, qty(2), got.QuantityLost)
	got.CheckInvariant()

	_, err = svc.DeclareLoss(ctx, row.ID, qty(1), "")
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestCheckInvariant_Panics(t *testing.T) {
	row := DelegatedStock{
		ID:                id.New(),
		QuantityDelegated: qty(10),
		QuantityRemaining: qty(5),
		QuantitySold:      qty(3),
		// 2 units unaccounted for
	}
	assert.Panics(t, func() { row.CheckInvariant() })
}

func TestReconciliationLifecycle(t *testing.T) {
	ctx, svc, repo, ledger, cash := newTestService(t)
	server, wh := id.New(), id.New()
	prodA, prodB := id.New(), id.New()

	ledger.seed(wh, prodA, qty(100), "600")
	ledger.seed(wh, prodB, qty(50), "200")

	_, err := svc.StartReconciliation(ctx, server)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "no active stock yet")

	stocks, err := svc.Delegate(ctx, DelegateInput{
		ServerID: server, WarehouseID: wh,
		Items: []DelegateItem{
			{ProductID: prodA, Quantity: qty(20), UnitPrice: types.MustMoney("1000")},
			{ProductID: prodB, Quantity: qty(10), UnitPrice: types.MustMoney("500")},
		},
	})
	require.NoError(t, err)

	var rowA DelegatedStock
	for _, s := range stocks {
		if s.ProductID == prodA {
			rowA = s
		}
	}
	_, err = svc.RecordSale(ctx, rowA.ID, qty(15), "TICKET-1")
	require.NoError(t, err)

	rec, err := svc.StartReconciliation(ctx, server)
	require.NoError(t, err)
	assert.Equal(t, ReconciliationOpen, rec.Status)
	assert.Contains(t, rec.Reference, "REC-")

	t.Run("one open session per server", func(t *testing.T) {
		_, err := svc.StartReconciliation(ctx, server)
		assert.True(t, apperror.HasCode(err, apperror.CodeInvalidStateTransition))
	})

	rec, err = svc.SubmitForValidation(ctx, rec.ID, types.MustMoney("15000"), "end of shift")
	require.NoError(t, err)
	assert.Equal(t, ReconciliationPending, rec.Status)
	assert.True(t, rec.CashExpected.Equal(types.MustMoney("15000")), "15 sold at 1000, got %s", rec.CashExpected)
	assert.True(t, rec.CashDifference.IsZero())

	t.Run("frozen rows refuse sales", func(t *testing.T) {
		_, err := svc.RecordSale(ctx, rowA.ID, qty(1), "TICKET-2")
		assert.True(t, apperror.HasCode(err, apperror.CodeInvalidStateTransition))
	})

	t.Run("still one session while pending", func(t *testing.T) {
		_, err := svc.StartReconciliation(ctx, server)
		assert.True(t, apperror.HasCode(err, apperror.CodeInvalidStateTransition))
	})

	whABefore := ledger.balances[balanceKey(wh, prodA)].Quantity
	whBBefore := ledger.balances[balanceKey(wh, prodB)].Quantity

	rec, err = svc.Validate(ctx, rec.ID, "looks right")
	require.NoError(t, err)
	assert.Equal(t, ReconciliationValidated, rec.Status)

	// exactly one cash-in fact for the collected amount
	require.Len(t, cash.entries, 1)
	assert.True(t, cash.entries[0].Equal(types.MustMoney("15000")))

	// unsold remainder back in the warehouse at the frozen cost
	assert.Equal(t, whABefore+qty(5), ledger.balances[balanceKey(wh, prodA)].Quantity)
	assert.Equal(t, whBBefore+qty(10), ledger.balances[balanceKey(wh, prodB)].Quantity)
	for _, in := range ledger.receipts {
		assert.Equal(t, stock.MovementReconciliationReturn, in.Type)
	}

	// every row settled with zero remaining, buckets still balanced
	settled, err := svc.GetStocksByServer(ctx, server, StockSettled)
	require.NoError(t, err)
	require.Len(t, settled, 2)
	for _, s := range settled {
		assert.True(t, s.QuantityRemaining.IsZero())
		s.CheckInvariant()
	}

	t.Run("validate is guarded against repeats", func(t *testing.T) {
		_, err := svc.Validate(ctx, rec.ID, "again")
		assert.True(t, apperror.HasCode(err, apperror.CodeInvalidStateTransition))
		assert.Len(t, cash.entries, 1, "no second cash fact")
	})

	t.Run("new session possible after validation", func(t *testing.T) {
		// settled rows are not active, so a fresh session needs new stock
		_, err := svc.StartReconciliation(ctx, server)
		assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
	})
	_ = repo
}

func TestValidate_SettlesMultipleBatchesOfSameProduct(t *testing.T) {
	ctx, svc, _, ledger, _ := newTestService(t)
	server, wh, prod := id.New(), id.New(), id.New()

	ledger.seed(wh, prod, qty(100), "600")

	// two delegation batches of the same product for one seller
	for i := 0; i < 2; i++ {
		_, err := svc.Delegate(ctx, DelegateInput{
			ServerID: server, WarehouseID: wh,
			Items: []DelegateItem{
				{ProductID: prod, Quantity: qty(10), UnitPrice: types.MustMoney("1000")},
			},
		})
		require.NoError(t, err)
	}

	rec, err := svc.StartReconciliation(ctx, server)
	require.NoError(t, err)
	rec, err = svc.SubmitForValidation(ctx, rec.ID, types.MustMoney("0"), "")
	require.NoError(t, err)

	before := ledger.balances[balanceKey(wh, prod)].Quantity

	rec, err = svc.Validate(ctx, rec.ID, "nothing sold")
	require.NoError(t, err)
	assert.Equal(t, ReconciliationValidated, rec.Status)

	// both rows returned, each under its own batch-scoped reference
	assert.Equal(t, before+qty(20), ledger.balances[balanceKey(wh, prod)].Quantity)

	settled, err := svc.GetStocksByServer(ctx, server, StockSettled)
	require.NoError(t, err)
	require.Len(t, settled, 2)
	refs := make(map[string]bool)
	for _, in := range ledger.receipts {
		if in.Type == stock.MovementReconciliationReturn {
			refs[in.Reference] = true
		}
	}
	assert.Len(t, refs, 2, "each batch row posts its own return")
}

func TestDispute(t *testing.T) {
	ctx, svc, _, ledger, cash := newTestService(t)
	server, wh, prod := id.New(), id.New(), id.New()
	ledger.seed(wh, prod, qty(100), "600")

	stocks, err := svc.Delegate(ctx, DelegateInput{
		ServerID: server, WarehouseID: wh,
		Items: []DelegateItem{{ProductID: prod, Quantity: qty(10), UnitPrice: types.MustMoney("1000")}},
	})
	require.NoError(t, err)
	_, err = svc.RecordSale(ctx, stocks[0].ID, qty(10), "TICKET-1")
	require.NoError(t, err)

	rec, err := svc.StartReconciliation(ctx, server)
	require.NoError(t, err)

	_, err = svc.Dispute(ctx, rec.ID, "cash short")
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidStateTransition), "cannot dispute before submission")

	rec, err = svc.SubmitForValidation(ctx, rec.ID, types.MustMoney("4000"), "")
	require.NoError(t, err)
	assert.True(t, rec.CashDifference.Equal(types.MustMoney("-6000")), "got %s", rec.CashDifference)

	before := ledger.balances[balanceKey(wh, prod)].Quantity
	rec, err = svc.Dispute(ctx, rec.ID, "cash short by 6000")
	require.NoError(t, err)
	assert.Equal(t, ReconciliationDisputed, rec.Status)

	// no ledger mutation on dispute
	assert.Equal(t, before, ledger.balances[balanceKey(wh, prod)].Quantity)
	assert.Empty(t, cash.entries)

	// disputed sessions no longer block a new one
	open, err := svc.GetOpenReconciliation(ctx, server)
	require.NoError(t, err)
	assert.Nil(t, open)
}
