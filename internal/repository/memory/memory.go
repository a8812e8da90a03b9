// Package memory содержит реализацию репозитория в памяти для тестов и локального запуска.
//
// Транзакция работает над копией состояния и подменяет им текущее состояние только при
// успешном завершении, поэтому ошибка в середине операции не оставляет частичных изменений.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
)

type state struct {
	users       map[int64]model.User
	orders      map[int64]model.Order
	itemOwners  map[int64]int64
	events      []model.LedgerEvent
	nextEventID int64
	settings    model.Settings
}

func (s *state) clone() *state {
	c := &state{
		users:       make(map[int64]model.User, len(s.users)),
		orders:      make(map[int64]model.Order, len(s.orders)),
		itemOwners:  make(map[int64]int64, len(s.itemOwners)),
		events:      slices.Clone(s.events),
		nextEventID: s.nextEventID,
		settings:    s.settings,
	}
	for id, u := range s.users {
		c.users[id] = u
	}
	for id, o := range s.orders {
		o.Items = slices.Clone(o.Items)
		c.orders[id] = o
	}
	for id, owner := range s.itemOwners {
		c.itemOwners[id] = owner
	}
	return c
}

// Store хранит пользователей, заказы и события реестра в памяти.
type Store struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

// DefaultSettings задаёт настройки, с которыми создаётся хранилище.
var DefaultSettings = model.Settings{
	CustomerPercent:           3,
	InviterPercent:            5,
	InviterBonusLevel2Percent: 2,
	ReservePercent:            30,
	SlotBaseBonus:             1000,
	SlotStepBonus:             500,
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		st: &state{
			users:       make(map[int64]model.User),
			orders:      make(map[int64]model.Order),
			itemOwners:  make(map[int64]int64),
			nextEventID: 1,
			settings:    DefaultSettings,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет источник времени для создаваемых записей.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close ничего не делает; нужен для совместимости с контрактом репозитория.
func (s *Store) Close() error { return nil }

// InTx выполняет fn над копией состояния и фиксирует её, если fn завершилась без ошибки.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &memTx{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (s *Store) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.st.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

// GetOrder возвращает копию заказа с позициями.
func (s *Store) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.st.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

// ListEvents возвращает события пользователя от новых к старым.
func (s *Store) ListEvents(_ context.Context, userID int64, page model.Page) ([]model.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.LedgerEvent
	for i := len(s.st.events) - 1; i >= 0; i-- {
		if s.st.events[i].BeneficiaryID == userID {
			res = append(res, s.st.events[i])
		}
	}

	start := page.Offset()
	if start >= len(res) {
		return nil, nil
	}
	end := len(res)
	if page.PerPage > 0 && start+page.PerPage < end {
		end = start + page.PerPage
	}
	return res[start:end], nil
}

// Events возвращает копию всего журнала событий.
func (s *Store) Events() []model.LedgerEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.st.events)
}

// Reconcile сравнивает кешированный баланс с суммой событий.
func (s *Store) Reconcile(_ context.Context, userID int64) (model.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.st.users[userID]
	if !ok {
		return model.Reconciliation{UserID: userID}, repository.ErrUserNotFound
	}
	return model.Reconciliation{UserID: userID, Cached: u.Balance, Computed: s.st.sumFor(userID)}, nil
}

// ReconcileAll возвращает пользователей с расхождением баланса.
func (s *Store) ReconcileAll(_ context.Context) ([]model.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[int64]int64)
	for _, e := range s.st.events {
		sums[e.BeneficiaryID] += e.Amount
	}

	var res []model.Reconciliation
	for id, u := range s.st.users {
		if u.Balance != sums[id] {
			res = append(res, model.Reconciliation{UserID: id, Cached: u.Balance, Computed: sums[id]})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res, nil
}

// CorruptBalance меняет кеш баланса в обход реестра. Используется только в тестах сверки.
func (s *Store) CorruptBalance(userID, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.st.users[userID]
	u.Balance += delta
	s.st.users[userID] = u
}

// ReserveTotals возвращает сумму балансов и денежную выручку по неотменённым заказам.
func (s *Store) ReserveTotals(_ context.Context) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reserveNeeded, cashInAll int64
	for _, u := range s.st.users {
		reserveNeeded += u.Balance
	}
	for _, o := range s.st.orders {
		if o.Status != model.OrderStatusCancelled {
			cashInAll += o.CashPaid()
		}
	}
	return reserveNeeded, cashInAll, nil
}

// TeamKPI возвращает агрегаты по пользователю за полуинтервал [from, to).
func (s *Store) TeamKPI(_ context.Context, userID int64, from, to time.Time) (model.TeamKPI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kpi := model.TeamKPI{UserID: userID, From: from, To: to, BonusTotals: make(map[model.EventKind]int64)}
	inRange := func(t time.Time) bool { return !t.Before(from) && t.Before(to) }

	for _, u := range s.st.users {
		if u.InviterID != nil && *u.InviterID == userID && inRange(u.CreatedAt) {
			kpi.InvitedCount++
		}
	}
	for _, o := range s.st.orders {
		buyer := s.st.users[o.BuyerID]
		if buyer.InviterID != nil && *buyer.InviterID == userID &&
			o.Status == model.OrderStatusDone && inRange(o.CreatedAt) {
			kpi.TeamRevenue += o.CashPaid()
		}
	}
	for _, e := range s.st.events {
		if e.BeneficiaryID == userID && inRange(e.CreatedAt) {
			kpi.BonusTotals[e.Kind] += e.Amount
		}
	}
	return kpi, nil
}

// LoadSettings возвращает сохранённые настройки.
func (s *Store) LoadSettings(_ context.Context) (model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.settings, nil
}

// SaveSettings сохраняет настройки.
func (s *Store) SaveSettings(_ context.Context, settings model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.settings = settings
	return nil
}

func (st *state) sumFor(userID int64) int64 {
	var sum int64
	for _, e := range st.events {
		if e.BeneficiaryID == userID {
			sum += e.Amount
		}
	}
	return sum
}

type memTx struct {
	st  *state
	now func() time.Time
}

func (t *memTx) GetUser(_ context.Context, id int64) (*model.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

func (t *memTx) LockUsers(_ context.Context, ids []int64) (map[int64]*model.User, error) {
	res := make(map[int64]*model.User, len(ids))
	for _, id := range ids {
		if u, ok := t.st.users[id]; ok {
			res[id] = &u
		}
	}
	return res, nil
}

func (t *memTx) CreateUser(_ context.Context, u model.User) error {
	if _, ok := t.st.users[u.ID]; ok {
		return fmt.Errorf("%w: %d", repository.ErrUserExists, u.ID)
	}
	if u.InviterID != nil {
		if _, ok := t.st.users[*u.InviterID]; !ok {
			return fmt.Errorf("%w: inviter", repository.ErrUserNotFound)
		}
	}
	u.Balance = 0
	u.Tier2Active = false
	u.SlotsTotal = 0
	if u.CreatedAt.IsZero() {
		u.CreatedAt = t.now()
	}
	t.st.users[u.ID] = u
	return nil
}

func (t *memTx) SetInviter(_ context.Context, userID int64, inviterID *int64) error {
	u, ok := t.st.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.InviterID = inviterID
	t.st.users[userID] = u
	return nil
}

func (t *memTx) Ancestors(_ context.Context, userID int64) ([]int64, error) {
	var res []int64
	u, ok := t.st.users[userID]
	for ok && u.InviterID != nil && len(res) < 10000 {
		res = append(res, *u.InviterID)
		u, ok = t.st.users[*u.InviterID]
	}
	return res, nil
}

func (t *memTx) SetTier2Active(_ context.Context, userID int64) error {
	u, ok := t.st.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.Tier2Active = true
	t.st.users[userID] = u
	return nil
}

func (t *memTx) IncrementSlots(_ context.Context, userID int64) error {
	u, ok := t.st.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.SlotsTotal++
	t.st.users[userID] = u
	return nil
}

func (t *memTx) CountActiveReferrals(_ context.Context, inviterID int64) (int64, error) {
	active := make(map[int64]struct{})
	for _, o := range t.st.orders {
		if o.Status != model.OrderStatusDone {
			continue
		}
		buyer := t.st.users[o.BuyerID]
		if buyer.InviterID != nil && *buyer.InviterID == inviterID {
			active[buyer.ID] = struct{}{}
		}
	}
	return int64(len(active)), nil
}

func (t *memTx) CreateOrder(_ context.Context, o model.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return repository.ErrOrderExists
	}
	if _, ok := t.st.users[o.BuyerID]; !ok {
		return fmt.Errorf("%w: buyer", repository.ErrUserNotFound)
	}
	for _, it := range o.Items {
		if _, ok := t.st.itemOwners[it.ID]; ok {
			return repository.ErrItemExists
		}
		t.st.itemOwners[it.ID] = o.ID
	}

	now := t.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.Items = slices.Clone(o.Items)
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
		o.Items[i].ReturnedQuantity = 0
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *memTx) LockOrder(_ context.Context, id int64) (*model.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	stored, ok := t.st.orders[o.ID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	stored.TotalAmount = o.TotalAmount
	stored.BonusSpent = o.BonusSpent
	stored.Status = o.Status
	stored.UpdatedAt = t.now()

	returned := make(map[int64]int64, len(o.Items))
	for _, it := range o.Items {
		returned[it.ID] = it.ReturnedQuantity
	}
	items := slices.Clone(stored.Items)
	for i := range items {
		if q, ok := returned[items[i].ID]; ok {
			if q < 0 || q > items[i].Quantity {
				return fmt.Errorf("returned quantity out of range for item %d", items[i].ID)
			}
			items[i].ReturnedQuantity = q
		}
	}
	stored.Items = items
	t.st.orders[o.ID] = stored
	return nil
}

func (t *memTx) ExistsSettlementEvent(_ context.Context, orderID int64, kind model.EventKind, userID int64) (bool, error) {
	for _, e := range t.st.events {
		if e.OrderID != nil && *e.OrderID == orderID && e.Kind == kind && e.BeneficiaryID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) OrderEvents(_ context.Context, orderID int64) ([]model.LedgerEvent, error) {
	var res []model.LedgerEvent
	for _, e := range t.st.events {
		if e.OrderID != nil && *e.OrderID == orderID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (t *memTx) AppendEvent(ctx context.Context, e model.LedgerEvent) (model.LedgerEvent, error) {
	u, ok := t.st.users[e.BeneficiaryID]
	if !ok {
		return e, repository.ErrUserNotFound
	}
	if e.OrderID != nil && repository.IsIdempotentKind(e.Kind) {
		exists, _ := t.ExistsSettlementEvent(ctx, *e.OrderID, e.Kind, e.BeneficiaryID)
		if exists {
			return e, repository.ErrDuplicateEvent
		}
	}

	e.ID = t.st.nextEventID
	t.st.nextEventID++
	e.CreatedAt = t.now()
	t.st.events = append(t.st.events, e)

	u.Balance += e.Amount
	t.st.users[e.BeneficiaryID] = u
	return e, nil
}
