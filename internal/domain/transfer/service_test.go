package transfer

import (
	"context"
	"fmt"
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

// memRepo stores transfers in memory, returning copies so mutations only
// stick through Update.
type memRepo struct {
	transfers map[id.ID]Transfer
}

func newMemRepo() *memRepo {
	return &memRepo{transfers: make(map[id.ID]Transfer)}
}

func (m *memRepo) clone(t Transfer) *Transfer {
	out := t
	out.Lines = append([]Line(nil), t.Lines...)
	return &out
}

func (m *memRepo) Create(_ context.Context, t *Transfer) error {
	m.transfers[t.ID] = *m.clone(*t)
	return nil
}

func (m *memRepo) Update(_ context.Context, t *Transfer) error {
	t.Version++
	m.transfers[t.ID] = *m.clone(*t)
	return nil
}

func (m *memRepo) GetByID(_ context.Context, transferID id.ID) (*Transfer, error) {
	t, ok := m.transfers[transferID]
	if !ok {
		return nil, apperror.NewNotFound("transfer", transferID)
	}
	return m.clone(t), nil
}

func (m *memRepo) GetByIDForUpdate(ctx context.Context, transferID id.ID) (*Transfer, error) {
	return m.GetByID(ctx, transferID)
}

func (m *memRepo) List(_ context.Context, _ ListFilter) ([]Transfer, error) {
	var out []Transfer
	for _, t := range m.transfers {
		out = append(out, t)
	}
	return out, nil
}

// fakeLedger tracks balances per warehouse+product and enforces the
// non-negativity rule like the real stock service.
type fakeLedger struct {
	balances map[string]stock.StockRecord
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
	key := balanceKey(in.WarehouseID, in.ProductID)
	rec := l.balances[key]
	rec.WarehouseID = in.WarehouseID
	rec.ProductID = in.ProductID
	rec.CostAverage = types.WeightedAverage(rec.Quantity, rec.CostAverage, in.Quantity, in.UnitCost)
	rec.Quantity += in.Quantity
	l.balances[key] = rec
	return rec, nil
}

func (l *fakeLedger) snapshot() map[string]stock.StockRecord {
	out := make(map[string]stock.StockRecord, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

// rollbackTx restores the ledger and repo when fn fails, imitating a real
// database rollback.
type rollbackTx struct {
	ledger *fakeLedger
	repo   *memRepo
}

func (tx rollbackTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ledgerBefore := tx.ledger.snapshot()
	repoBefore := make(map[id.ID]Transfer, len(tx.repo.transfers))
	for k, v := range tx.repo.transfers {
		repoBefore[k] = *tx.repo.clone(v)
	}
	if err := fn(ctx); err != nil {
		tx.ledger.balances = ledgerBefore
		tx.repo.transfers = repoBefore
		return err
	}
	return nil
}

type seqRefs struct{ n int }

func (r *seqRefs) Next(_ context.Context, cfg refgen.Config, at time.Time) (string, error) {
	r.n++
	return fmt.Sprintf("%s-%s-%04d", cfg.Prefix, at.UTC().Format("20060102"), r.n), nil
}

func newTestService(t *testing.T) (context.Context, *Service, *memRepo, *fakeLedger) {
	t.Helper()
	ctx := tenant.WithScope(context.Background(), tenant.Scope{
		TenantID: id.New(),
		ActorID:  id.New(),
	})
	repo := newMemRepo()
	ledger := newFakeLedger()
	svc := NewService(repo, ledger, rollbackTx{ledger: ledger, repo: repo}, &seqRefs{}, nil, nil)
	return ctx, svc, repo, ledger
}

func qty(v float64) types.Quantity { return types.NewQuantityFromFloat64(v) }

func TestRequest(t *testing.T) {
	ctx, svc, _, _ := newTestService(t)
	from, to, prod := id.New(), id.New(), id.New()

	tr, err := svc.Request(ctx, RequestInput{
		FromWarehouseID: from,
		ToWarehouseID:   to,
		Items:           []RequestItem{{ProductID: prod, Quantity: qty(10)}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, tr.Status)
	assert.Contains(t, tr.Reference, "TRF-")
	require.Len(t, tr.Lines, 1)
	assert.Equal(t, qty(10), tr.Lines[0].QuantityRequested)
}

func TestRequest_Validation(t *testing.T) {
	ctx, svc, _, _ := newTestService(t)
	wh, prod := id.New(), id.New()

	tests := []struct {
		name string
		in   RequestInput
	}{
		{"same warehouse", RequestInput{FromWarehouseID: wh, ToWarehouseID: wh, Items: []RequestItem{{ProductID: prod, Quantity: qty(1)}}}},
		{"no lines", RequestInput{FromWarehouseID: wh, ToWarehouseID: id.New()}},
		{"zero quantity", RequestInput{FromWarehouseID: wh, ToWarehouseID: id.New(), Items: []RequestItem{{ProductID: prod, Quantity: qty(0)}}}},
		{"duplicate product", RequestInput{FromWarehouseID: wh, ToWarehouseID: id.New(), Items: []RequestItem{
			{ProductID: prod, Quantity: qty(1)},
			{ProductID: prod, Quantity: qty(2)},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Request(ctx, tt.in)
			assert.Error(t, err)
		})
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	ctx, svc, _, ledger := newTestService(t)
	from, to := id.New(), id.New()
	prodA, prodB := id.New(), id.New()

	ledger.seed(from, prodA, qty(100), "600")
	ledger.seed(from, prodB, qty(50), "200")

	tr, err := svc.Request(ctx, RequestInput{
		FromWarehouseID: from,
		ToWarehouseID:   to,
		Items: []RequestItem{
			{ProductID: prodA, Quantity: qty(40)},
			{ProductID: prodB, Quantity: qty(20)},
		},
	})
	require.NoError(t, err)

	// approval reduces prodB to 10
	var lineB id.ID
	for _, l := range tr.Lines {
		if l.ProductID == prodB {
			lineB = l.ID
		}
	}
	tr, err = svc.Approve(ctx, tr.ID, map[id.ID]types.Quantity{lineB: qty(10)})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, tr.Status)

	tr, err = svc.Execute(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInTransit, tr.Status)
	require.NotNil(t, tr.ExecutedAt)

	// source debited at the approved quantity, cost snapshotted per line
	assert.Equal(t, qty(60), ledger.balances[balanceKey(from, prodA)].Quantity)
	assert.Equal(t, qty(40), ledger.balances[balanceKey(from, prodB)].Quantity)
	for _, l := range tr.Lines {
		switch l.ProductID {
		case prodA:
			assert.True(t, l.UnitCost.Equal(types.MustMoney("600")))
		case prodB:
			assert.True(t, l.UnitCost.Equal(types.MustMoney("200")))
		}
	}

	// short-receive prodA: 35 of 40
	var lineA id.ID
	for _, l := range tr.Lines {
		if l.ProductID == prodA {
			lineA = l.ID
		}
	}
	tr, err = svc.Receive(ctx, tr.ID, map[id.ID]types.Quantity{lineA: qty(35)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tr.Status)
	require.NotNil(t, tr.CompletedAt)

	// destination credited at the source cost
	recA := ledger.balances[balanceKey(to, prodA)]
	assert.Equal(t, qty(35), recA.Quantity)
	assert.True(t, recA.CostAverage.Equal(types.MustMoney("600")))
	recB := ledger.balances[balanceKey(to, prodB)]
	assert.Equal(t, qty(10), recB.Quantity)

	// shortfall is a recorded variance, not a blocker
	for _, l := range tr.Lines {
		if l.ProductID == prodA {
			assert.Equal(t, qty(5), l.Variance())
		}
	}
}

func TestExecute_AllOrNothing(t *testing.T) {
	ctx, svc, _, ledger := newTestService(t)
	from, to := id.New(), id.New()
	prodA, prodB := id.New(), id.New()

	ledger.seed(from, prodA, qty(100), "600")
	ledger.seed(from, prodB, qty(5), "200") // not enough for the request

	tr, err := svc.Request(ctx, RequestInput{
		FromWarehouseID: from,
		ToWarehouseID:   to,
		Items: []RequestItem{
			{ProductID: prodA, Quantity: qty(40)},
			{ProductID: prodB, Quantity: qty(20)},
		},
	})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, tr.ID, nil)
	require.NoError(t, err)

	_, err = svc.Execute(ctx, tr.ID)
	assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientStock))

	// neither line debited, transfer still approved
	assert.Equal(t, qty(100), ledger.balances[balanceKey(from, prodA)].Quantity)
	assert.Equal(t, qty(5), ledger.balances[balanceKey(from, prodB)].Quantity)
	got, err := svc.GetByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestRejectAndCancel(t *testing.T) {
	ctx, svc, _, ledger := newTestService(t)
	from, to, prod := id.New(), id.New(), id.New()
	ledger.seed(from, prod, qty(100), "10")

	t.Run("reject from requested", func(t *testing.T) {
		tr, err := svc.Request(ctx, RequestInput{FromWarehouseID: from, ToWarehouseID: to, Items: []RequestItem{{ProductID: prod, Quantity: qty(1)}}})
		require.NoError(t, err)
		tr, err = svc.Reject(ctx, tr.ID, "not needed")
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, tr.Status)
		assert.Equal(t, "not needed", tr.StatusReason)
	})

	t.Run("cancel from approved", func(t *testing.T) {
		tr, err := svc.Request(ctx, RequestInput{FromWarehouseID: from, ToWarehouseID: to, Items: []RequestItem{{ProductID: prod, Quantity: qty(1)}}})
		require.NoError(t, err)
		_, err = svc.Approve(ctx, tr.ID, nil)
		require.NoError(t, err)
		tr, err = svc.Cancel(ctx, tr.ID, "changed plans")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, tr.Status)
	})

	t.Run("no cancel after execute", func(t *testing.T) {
		tr, err := svc.Request(ctx, RequestInput{FromWarehouseID: from, ToWarehouseID: to, Items: []RequestItem{{ProductID: prod, Quantity: qty(1)}}})
		require.NoError(t, err)
		_, err = svc.Approve(ctx, tr.ID, nil)
		require.NoError(t, err)
		_, err = svc.Execute(ctx, tr.ID)
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, tr.ID, "too late")
		assert.True(t, apperror.HasCode(err, apperror.CodeInvalidStateTransition))
	})
}

func TestInvalidTransitions(t *testing.T) {
	ctx, svc, _, ledger := newTestService(t)
	from, to, prod := id.New(), id.New(), id.New()
	ledger.seed(from, prod, qty(100), "10")

	tr, err := svc.Request(ctx, RequestInput{FromWarehouseID: from, ToWarehouseID: to, Items: []RequestItem{{ProductID: prod, Quantity: qty(1)}}})
	require.NoError(t, err)

	// execute before approval
	_, err = svc.Execute(ctx, tr.ID)
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidStateTransition))

	// receive before execution
	_, err = svc.Receive(ctx, tr.ID, nil)
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidStateTransition))

	// double approve
	_, err = svc.Approve(ctx, tr.ID, nil)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, tr.ID, nil)
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidStateTransition))
}

func TestApprove_CannotIncrease(t *testing.T) {
	ctx, svc, _, _ := newTestService(t)
	from, to, prod := id.New(), id.New(), id.New()

	tr, err := svc.Request(ctx, RequestInput{FromWarehouseID: from, ToWarehouseID: to, Items: []RequestItem{{ProductID: prod, Quantity: qty(5)}}})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, tr.ID, map[id.ID]types.Quantity{tr.Lines[0].ID: qty(6)})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestReceive_CannotExceedSent(t *testing.T) {
	ctx, svc, _, ledger := newTestService(t)
	from, to, prod := id.New(), id.New(), id.New()
	ledger.seed(from, prod, qty(100), "10")

	tr, err := svc.Request(ctx, RequestInput{FromWarehouseID: from, ToWarehouseID: to, Items: []RequestItem{{ProductID: prod, Quantity: qty(5)}}})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, tr.ID, nil)
	require.NoError(t, err)
	tr, err = svc.Execute(ctx, tr.ID)
	require.NoError(t, err)

	_, err = svc.Receive(ctx, tr.ID, map[id.ID]types.Quantity{tr.Lines[0].ID: qty(6)})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusRequested, StatusApproved, true},
		{StatusRequested, StatusRejected, true},
		{StatusRequested, StatusInTransit, false},
		{StatusApproved, StatusInTransit, true},
		{StatusApproved, StatusCancelled, true},
		{StatusApproved, StatusRejected, false},
		{StatusInTransit, StatusCompleted, true},
		{StatusInTransit, StatusCancelled, false},
		{StatusCompleted, StatusInTransit, false},
		{StatusCancelled, StatusApproved, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
