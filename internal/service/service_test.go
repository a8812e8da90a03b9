package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/mmeshcher/bonus-ledger/internal/notify"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
	"github.com/mmeshcher/bonus-ledger/internal/repository/memory"
	"github.com/mmeshcher/bonus-ledger/internal/settings"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Dispatch(_ context.Context, batch []notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, batch...)
}

func (r *recordingNotifier) types() []notify.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []notify.Type
	for _, n := range r.sent {
		res = append(res, n.Type)
	}
	return res
}

type fixture struct {
	svc   *Service
	store *memory.Store
	notes *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	notes := &recordingNotifier{}
	provider := settings.NewProvider(store, nil, time.Minute, nil)
	return &fixture{
		svc:   NewService(store, provider, notes, nil),
		store: store,
		notes: notes,
	}
}

func (f *fixture) register(t *testing.T, id int64, inviter int64) {
	t.Helper()
	var inv *int64
	if inviter != 0 {
		inv = &inviter
	}
	_, err := f.svc.RegisterUser(context.Background(), id, inv, "user@example.com")
	require.NoError(t, err)
}

func (f *fixture) ingest(t *testing.T, id, buyer, bonusSpent int64, items ...model.OrderItem) {
	t.Helper()
	var total int64
	for _, it := range items {
		total += it.Quantity * it.PriceAtOrderTime
	}
	_, err := f.svc.IngestOrder(context.Background(), model.Order{
		ID:          id,
		BuyerID:     buyer,
		TotalAmount: total,
		BonusSpent:  bonusSpent,
		Items:       items,
	})
	require.NoError(t, err)
}

func (f *fixture) complete(t *testing.T, id int64) {
	t.Helper()
	_, err := f.svc.TransitionOrder(context.Background(), id, "", model.OrderStatusDone)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	u, err := f.svc.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Balance
}

func (f *fixture) events(orderID int64, kind model.EventKind) []model.LedgerEvent {
	var res []model.LedgerEvent
	for _, e := range f.store.Events() {
		if e.OrderID != nil && *e.OrderID == orderID && e.Kind == kind {
			res = append(res, e)
		}
	}
	return res
}

func (f *fixture) assertReconciled(t *testing.T) {
	t.Helper()
	recs, err := f.svc.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func item(id, qty, price int64) model.OrderItem {
	return model.OrderItem{ID: id, Quantity: qty, PriceAtOrderTime: price}
}

// referenceOrder: покупатель 2 (приглашён 1) оплачивает 27660, из них 2000 бонусами.
func referenceOrder(t *testing.T, f *fixture) {
	t.Helper()
	f.register(t, 1, 0)
	f.register(t, 2, 1)
	_, err := f.svc.AdjustBalance(context.Background(), 2, 2000, "welcome bonus")
	require.NoError(t, err)

	f.ingest(t, 100, 2, 2000, item(1001, 2, 10000), item(1002, 1, 7660))
	f.complete(t, 100)
}

func TestCompleteOrderPaysCommissionOnCashOnly(t *testing.T) {
	f := newFixture(t)
	referenceOrder(t, f)

	// 3% и 5% от 25660, оплаченных деньгами.
	assert.Equal(t, int64(770), f.balance(t, 2))
	assert.Equal(t, int64(1283), f.balance(t, 1))

	spent := f.events(100, model.EventBonusSpent)
	require.Len(t, spent, 1)
	assert.Equal(t, int64(-2000), spent[0].Amount)

	l1 := f.events(100, model.EventLevel1Bonus)
	require.Len(t, l1, 1)
	require.NotNil(t, l1[0].RelatedUserID)
	assert.Equal(t, int64(2), *l1[0].RelatedUserID)

	assert.Empty(t, f.events(100, model.EventLevel2Bonus))
	assert.ElementsMatch(t,
		[]notify.Type{notify.TypeCashbackCredited, notify.TypeTeamBonusCredited},
		f.notes.types())
	f.assertReconciled(t)
}

func TestCompleteOrderIsIdempotent(t *testing.T) {
	f := newFixture(t)
	referenceOrder(t, f)
	before := len(f.store.Events())

	for range 3 {
		f.complete(t, 100)
	}

	assert.Len(t, f.store.Events(), before)
	assert.Equal(t, int64(770), f.balance(t, 2))
	assert.Equal(t, int64(1283), f.balance(t, 1))
	f.assertReconciled(t)
}

func TestTier2UnlockGatesLevel2(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, 1, 0)
	for _, id := range []int64{11, 12, 13} {
		f.register(t, id, 1)
	}
	f.register(t, 21, 11)

	f.ingest(t, 200, 21, 0, item(2001, 1, 10000))
	f.complete(t, 200)
	assert.Empty(t, f.events(200, model.EventLevel2Bonus), "level 2 must wait for unlock")

	for i, buyer := range []int64{11, 12, 13} {
		orderID := int64(300 + i)
		f.ingest(t, orderID, buyer, 0, item(3000+int64(i), 1, 1000))

		u, err := f.svc.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.False(t, u.Tier2Active)

		f.complete(t, orderID)
	}

	u, err := f.svc.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.Tier2Active)
	assert.Contains(t, f.notes.types(), notify.TypeTier2Unlocked)

	f.ingest(t, 201, 21, 0, item(2002, 1, 10000))
	f.complete(t, 201)

	l2 := f.events(201, model.EventLevel2Bonus)
	require.Len(t, l2, 1)
	assert.Equal(t, int64(1), l2[0].BeneficiaryID)
	require.NotNil(t, l2[0].RelatedUserID)
	assert.Equal(t, int64(11), *l2[0].RelatedUserID, "level 2 is attributed to the inviter")
	assert.Equal(t, int64(200), l2[0].Amount)
	f.assertReconciled(t)
}

func TestRedeliveryAfterUnlockPaysNoLevel2(t *testing.T) {
	f := newFixture(t)

	f.register(t, 1, 0)
	for _, id := range []int64{11, 12, 13} {
		f.register(t, id, 1)
	}
	f.register(t, 21, 11)

	f.ingest(t, 200, 21, 0, item(2001, 1, 10000))
	f.complete(t, 200)
	for i, buyer := range []int64{11, 12, 13} {
		f.ingest(t, int64(300+i), buyer, 0, item(3000+int64(i), 1, 1000))
		f.complete(t, int64(300+i))
	}
	u, err := f.svc.GetUser(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, u.Tier2Active)

	balance := f.balance(t, 1)
	f.complete(t, 200)

	assert.Empty(t, f.events(200, model.EventLevel2Bonus))
	assert.Equal(t, balance, f.balance(t, 1))
	f.assertReconciled(t)
}

func TestRedeliveryAfterRelinkPaysLevel1Once(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, 1, 0)
	f.register(t, 2, 0)
	f.register(t, 3, 1)
	f.ingest(t, 100, 3, 0, item(1, 1, 10000))
	f.complete(t, 100)

	inviter := int64(2)
	require.NoError(t, f.svc.RelinkUser(ctx, 3, &inviter))
	f.complete(t, 100)

	l1 := f.events(100, model.EventLevel1Bonus)
	require.Len(t, l1, 1)
	assert.Equal(t, int64(1), l1[0].BeneficiaryID)
	assert.Equal(t, int64(500), f.balance(t, 1))
	assert.Zero(t, f.balance(t, 2))
	f.assertReconciled(t)
}

func TestRedeliveryKeepsSettlementRates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg, err := f.svc.Settings(ctx)
	require.NoError(t, err)
	cfg.CustomerPercent = 0
	_, err = f.svc.UpdateSettings(ctx, cfg)
	require.NoError(t, err)

	f.register(t, 1, 0)
	f.ingest(t, 100, 1, 0, item(1, 1, 10000))
	f.complete(t, 100)
	assert.Empty(t, f.events(100, model.EventCashback))

	cfg.CustomerPercent = 10
	_, err = f.svc.UpdateSettings(ctx, cfg)
	require.NoError(t, err)
	f.complete(t, 100)

	assert.Empty(t, f.events(100, model.EventCashback))
	assert.Zero(t, f.balance(t, 1))
}

// staleChainTx отдаёт цепочку пригласивших, прочитанную до смены привязки.
type staleChainTx struct {
	repository.Tx
	chain []int64
}

func (t staleChainTx) Ancestors(context.Context, int64) ([]int64, error) {
	return t.chain, nil
}

func TestLockChainFollowsLockedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, 1, 0)
	f.register(t, 2, 1)
	f.register(t, 3, 2)

	err := f.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		buyer, inviter, ancestor, err := lockChain(ctx, staleChainTx{Tx: tx, chain: []int64{9}}, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), buyer.ID)
		require.NotNil(t, inviter)
		assert.Equal(t, int64(2), inviter.ID)
		require.NotNil(t, ancestor)
		assert.Equal(t, int64(1), ancestor.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestFullReturnRestoresBalances(t *testing.T) {
	f := newFixture(t)
	referenceOrder(t, f)

	res, err := f.svc.ProcessReturn(context.Background(), 100, []model.ReturnLine{
		{ItemID: 1001, Quantity: 2},
		{ItemID: 1002, Quantity: 1},
	})
	require.NoError(t, err)
	assert.True(t, res.FullReturn)
	assert.Equal(t, int64(27660), res.ReturnAmount)
	assert.Equal(t, int64(2000), res.BonusRefunded)
	assert.Len(t, res.Clawbacks, 2)

	assert.Equal(t, int64(2000), f.balance(t, 2))
	assert.Equal(t, int64(0), f.balance(t, 1))

	var net int64
	for _, e := range f.store.Events() {
		if e.OrderID != nil && *e.OrderID == 100 {
			net += e.Amount
		}
	}
	assert.Zero(t, net)

	o, err := f.svc.GetOrder(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, o.TotalAmount)
	assert.Zero(t, o.BonusSpent)
	assert.Equal(t, int64(27660), o.OriginalTotalAmount)
	f.assertReconciled(t)
}

func TestPartialReturnsAreProportional(t *testing.T) {
	f := newFixture(t)
	referenceOrder(t, f)
	ctx := context.Background()

	res, err := f.svc.ProcessReturn(ctx, 100, []model.ReturnLine{{ItemID: 1001, Quantity: 1}})
	require.NoError(t, err)
	assert.False(t, res.FullReturn)
	assert.Zero(t, res.BonusRefunded)

	// round(770*10000/27660) и round(1283*10000/27660).
	assert.Equal(t, int64(770-278), f.balance(t, 2))
	assert.Equal(t, int64(1283-464), f.balance(t, 1))
	assert.Empty(t, f.events(100, model.EventBonusRefund))

	res, err = f.svc.ProcessReturn(ctx, 100, []model.ReturnLine{
		{ItemID: 1001, Quantity: 1},
		{ItemID: 1002, Quantity: 1},
	})
	require.NoError(t, err)
	assert.True(t, res.FullReturn)

	assert.Equal(t, int64(2000), f.balance(t, 2))
	assert.Equal(t, int64(0), f.balance(t, 1))
	f.assertReconciled(t)

	_, err = f.svc.ProcessReturn(ctx, 100, []model.ReturnLine{{ItemID: 1001, Quantity: 1}})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestReturnValidationIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	referenceOrder(t, f)
	before := len(f.store.Events())

	_, err := f.svc.ProcessReturn(context.Background(), 100, []model.ReturnLine{
		{ItemID: 1001, Quantity: 1},
		{ItemID: 1002, Quantity: 5},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	assert.Len(t, f.store.Events(), before)
	o, err := f.svc.GetOrder(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(27660), o.TotalAmount)
	for _, it := range o.Items {
		assert.Zero(t, it.ReturnedQuantity)
	}
}

func TestReturnRequiresCompletedOrder(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, 0)
	f.ingest(t, 10, 1, 0, item(1, 1, 500))

	_, err := f.svc.ProcessReturn(context.Background(), 10, []model.ReturnLine{{ItemID: 1, Quantity: 1}})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.ProcessReturn(context.Background(), 999, []model.ReturnLine{{ItemID: 1, Quantity: 1}})
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)
}

func TestCancelledOrderIsNeverSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, 1, 0)
	_, err := f.svc.AdjustBalance(ctx, 1, 500, "promo")
	require.NoError(t, err)

	f.ingest(t, 10, 1, 500, item(1, 1, 5000))
	assert.Zero(t, f.balance(t, 1))

	_, err = f.svc.TransitionOrder(ctx, 10, model.OrderStatusNew, model.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.balance(t, 1))

	_, err = f.svc.TransitionOrder(ctx, 10, "", model.OrderStatusDone)
	assert.ErrorIs(t, err, ErrOrderNotSettleable)
	assert.Empty(t, f.events(10, model.EventCashback))
	f.assertReconciled(t)
}

func TestTransitionRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, 1, 0)
	f.ingest(t, 10, 1, 0, item(1, 1, 5000))

	_, err := f.svc.TransitionOrder(ctx, 10, model.OrderStatusProcessing, model.OrderStatusDone)
	assert.ErrorIs(t, err, ErrStatusConflict)

	o, err := f.svc.TransitionOrder(ctx, 10, model.OrderStatusNew, model.OrderStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, o.Status)

	_, err = f.svc.TransitionOrder(ctx, 10, "", model.OrderStatusNew)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	f.complete(t, 10)
	_, err = f.svc.TransitionOrder(ctx, 10, "", model.OrderStatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.TransitionOrder(ctx, 10, "", "SHIPPED")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestIngestOrderChecksBalance(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, 0)

	_, err := f.svc.IngestOrder(context.Background(), model.Order{
		ID: 10, BuyerID: 1, TotalAmount: 5000, BonusSpent: 100,
		Items: []model.OrderItem{item(1, 1, 5000)},
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = f.svc.GetOrder(context.Background(), 10)
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)

	_, err = f.svc.IngestOrder(context.Background(), model.Order{
		ID: 11, BuyerID: 1, TotalAmount: 4000,
		Items: []model.OrderItem{item(2, 1, 5000)},
	})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPurchaseSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, 1, 0)
	_, err := f.svc.AdjustBalance(ctx, 1, 3000, "promo")
	require.NoError(t, err)

	price, err := f.svc.SlotPrice(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), price)

	p, err := f.svc.PurchaseSlot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SlotPurchase{Price: 1000, SlotsTotal: 1, Balance: 2000}, *p)

	p, err = f.svc.PurchaseSlot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SlotPurchase{Price: 1500, SlotsTotal: 2, Balance: 500}, *p)

	_, err = f.svc.PurchaseSlot(ctx, 1)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(500), f.balance(t, 1))
	f.assertReconciled(t)
}

func TestReserveSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateSettings(ctx, model.Settings{ReservePercent: 30})
	require.NoError(t, err)

	f.register(t, 1, 0)
	f.ingest(t, 10, 1, 0, item(1, 1, 100000))
	f.complete(t, 10)
	_, err = f.svc.AdjustBalance(ctx, 1, 25000, "campaign")
	require.NoError(t, err)

	snap, err := f.svc.ReserveSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), snap.ReserveNeeded)
	assert.Equal(t, int64(100000), snap.CashInAll)
	assert.Equal(t, int64(30000), snap.ReservedCash)
	assert.Equal(t, int64(5000), snap.ReserveGap)
	assert.False(t, snap.Blocked)

	_, err = f.svc.AdjustBalance(ctx, 1, 10000, "campaign")
	require.NoError(t, err)

	snap, err = f.svc.ReserveSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-5000), snap.ReserveGap)
	assert.True(t, snap.Blocked)

	// Недостаток резерва не мешает приёму и расчёту заказов, в том числе оплаченных бонусами.
	f.ingest(t, 11, 1, 1000, item(2, 1, 5000))
	f.complete(t, 11)
	assert.Len(t, f.events(11, model.EventBonusSpent), 1)
	f.assertReconciled(t)
}

func TestRelinkRejectsCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, 1, 0)
	f.register(t, 2, 1)
	f.register(t, 3, 2)

	inviter := int64(3)
	assert.ErrorIs(t, f.svc.RelinkUser(ctx, 1, &inviter), ErrReferralCycle)

	self := int64(2)
	assert.ErrorIs(t, f.svc.RelinkUser(ctx, 2, &self), ErrReferralCycle)

	require.NoError(t, f.svc.RelinkUser(ctx, 3, nil))
	require.NoError(t, f.svc.RelinkUser(ctx, 1, &inviter))

	u, err := f.svc.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, u.InviterID)
	assert.Equal(t, int64(3), *u.InviterID)
}

func TestAdjustBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, 1, 0)

	_, err := f.svc.AdjustBalance(ctx, 1, -1, "fix")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = f.svc.AdjustBalance(ctx, 1, 0, "fix")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	e, err := f.svc.AdjustBalance(ctx, 1, 700, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, model.EventManualAdjustment, e.Kind)
	assert.NotZero(t, e.ID)

	history, err := f.svc.History(ctx, 1, model.Page{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "goodwill", history[0].Note)
}

func TestReconcileReportsDivergence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, 1, 0)
	f.register(t, 2, 0)
	_, err := f.svc.AdjustBalance(ctx, 1, 100, "promo")
	require.NoError(t, err)

	f.store.CorruptBalance(1, 5)

	rec, err := f.svc.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.False(t, rec.Consistent())
	assert.Equal(t, int64(105), rec.Cached)
	assert.Equal(t, int64(100), rec.Computed)

	recs, err := f.svc.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1), recs[0].UserID)
}

func TestTeamKPI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, 1, 0)
	f.register(t, 2, 1)
	f.ingest(t, 10, 2, 0, item(1, 2, 5000))
	f.complete(t, 10)

	now := time.Now().UTC()
	kpi, err := f.svc.TeamKPI(ctx, 1, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), kpi.InvitedCount)
	assert.Equal(t, int64(10000), kpi.TeamRevenue)
	assert.Equal(t, int64(500), kpi.BonusTotals[model.EventLevel1Bonus])

	_, err = f.svc.TeamKPI(ctx, 1, now, now)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRandomOperationsKeepBalancesReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	users := []int64{1}
	f.register(t, 1, 0)
	var orders []int64
	nextOrder, nextItem := int64(1), int64(1)

	newOrder := func(buyer int64) int64 {
		qty, price := int64(rng.Intn(3)+1), int64(rng.Intn(20000)+1)
		total := qty*price + 100
		spend := int64(0)
		if b := f.balance(t, buyer); b > 0 {
			spend = min(rng.Int63n(b+1), total-1)
		}
		_, err := f.svc.IngestOrder(ctx, model.Order{
			ID: nextOrder, BuyerID: buyer, TotalAmount: total, BonusSpent: spend,
			Items: []model.OrderItem{item(nextItem, qty, price), item(nextItem+1, 1, 100)},
		})
		require.NoError(t, err)
		id := nextOrder
		orders = append(orders, id)
		nextOrder++
		nextItem += 2
		return id
	}
	done := func(id int64) {
		_, err := f.svc.TransitionOrder(ctx, id, "", model.OrderStatusDone)
		if err != nil {
			require.ErrorIs(t, err, ErrOrderNotSettleable)
		}
	}
	relink := func() {
		u := users[rng.Intn(len(users))]
		inviter := users[rng.Intn(len(users))]
		err := f.svc.RelinkUser(ctx, u, &inviter)
		if err != nil {
			require.ErrorIs(t, err, ErrReferralCycle)
		}
	}

	for step := 0; step < 400; step++ {
		switch rng.Intn(8) {
		case 0:
			id := int64(len(users) + 1)
			f.register(t, id, users[rng.Intn(len(users))])
			users = append(users, id)
		case 1, 2:
			newOrder(users[rng.Intn(len(users))])
		case 3:
			if len(orders) > 0 {
				done(orders[rng.Intn(len(orders))])
			}
		case 4:
			if len(orders) > 0 {
				o, err := f.svc.GetOrder(ctx, orders[rng.Intn(len(orders))])
				require.NoError(t, err)
				it := o.Items[rng.Intn(len(o.Items))]
				_, err = f.svc.ProcessReturn(ctx, o.ID, []model.ReturnLine{{ItemID: it.ID, Quantity: 1}})
				var verr *ValidationError
				if err != nil && !errors.As(err, &verr) {
					require.NoError(t, err)
				}
			}
		case 5:
			_, err := f.svc.PurchaseSlot(ctx, users[rng.Intn(len(users))])
			if err != nil {
				require.ErrorIs(t, err, ErrInsufficientBalance)
			}
		case 6:
			if len(orders) > 0 {
				_, err := f.svc.TransitionOrder(ctx, orders[rng.Intn(len(orders))], "", model.OrderStatusCancelled)
				if err != nil {
					require.ErrorIs(t, err, ErrInvalidTransition)
				}
			}
		case 7:
			relink()
		}
	}

	f.assertReconciled(t)

	for _, id := range orders {
		done(id)
	}

	// После расчёта меняем цепочки и открываем второй уровень у пользователя 1.
	for range 20 {
		relink()
	}
	for range 3 {
		id := int64(len(users) + 1)
		f.register(t, id, 1)
		users = append(users, id)
		done(newOrder(id))
	}
	u, err := f.svc.GetUser(ctx, 1)
	require.NoError(t, err)
	require.True(t, u.Tier2Active)

	balances := make(map[int64]int64, len(users))
	for _, id := range users {
		balances[id] = f.balance(t, id)
	}
	events := f.store.Events()

	for _, id := range orders {
		done(id)
	}

	assert.Equal(t, events, f.store.Events())
	for _, id := range users {
		assert.Equal(t, balances[id], f.balance(t, id), "user %d", id)
	}
	f.assertReconciled(t)
}
