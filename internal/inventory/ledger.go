package inventory

import (
	"sort"
	"sync"

	"github.com/mmeshcher/keypool-system/internal/model"
)

// Ledger ведёт журнал выдач только на добавление, индексированный по заказу,
// ключу и пользователю.
type Ledger struct {
	mu      sync.RWMutex
	byOrder map[string]model.Assignment
	byKey   map[string]string
	byUser  map[string][]string
	perTier map[model.Tier]int
}

// NewLedger создаёт пустой журнал.
func NewLedger() *Ledger {
	return &Ledger{
		byOrder: make(map[string]model.Assignment),
		byKey:   make(map[string]string),
		byUser:  make(map[string][]string),
		perTier: make(map[model.Tier]int),
	}
}

// Insert добавляет выдачу, если для заказа её ещё нет. Иначе возвращает
// существующую запись и false.
func (l *Ledger) Insert(a model.Assignment) (model.Assignment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byOrder[a.OrderID]; ok {
		return existing, false
	}

	l.byOrder[a.OrderID] = a
	l.byKey[a.Key] = a.OrderID
	l.byUser[a.UserID] = append(l.byUser[a.UserID], a.OrderID)
	l.perTier[a.Tier]++
	return a, true
}

// Lookup возвращает выдачу по идентификатору заказа.
func (l *Ledger) Lookup(orderID string) (model.Assignment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.byOrder[orderID]
	return a, ok
}

// ByKey возвращает выдачу, в которой участвовал ключ.
func (l *Ledger) ByKey(value string) (model.Assignment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	orderID, ok := l.byKey[value]
	if !ok {
		return model.Assignment{}, false
	}
	return l.byOrder[orderID], true
}

// ListForUser возвращает выдачи пользователя, новые первыми.
func (l *Ledger) ListForUser(userID string) []model.Assignment {
	l.mu.RLock()
	ids := l.byUser[userID]
	res := make([]model.Assignment, 0, len(ids))
	for _, id := range ids {
		res = append(res, l.byOrder[id])
	}
	l.mu.RUnlock()

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].AssignedAt.After(res[j].AssignedAt)
	})
	return res
}

// CountByTier возвращает количество выдач по каждому тарифу.
func (l *Ledger) CountByTier() map[model.Tier]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := make(map[model.Tier]int, len(l.perTier))
	for t, n := range l.perTier {
		res[t] = n
	}
	return res
}
