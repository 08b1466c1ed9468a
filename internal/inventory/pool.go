package inventory

import "sort"

type poolEntry struct {
	value string
	seq   uint64
}

// KeyPool хранит доступные ключи одного тарифа. Не потокобезопасен: доступ
// сериализует PoolRegistry.
type KeyPool struct {
	entries []poolEntry
	index   map[string]int
	nextSeq uint64
}

// NewKeyPool создаёт пустой пул.
func NewKeyPool() *KeyPool {
	return &KeyPool{index: make(map[string]int)}
}

// Add добавляет ключ и возвращает false, если он уже есть в пуле.
func (p *KeyPool) Add(value string) bool {
	if _, ok := p.index[value]; ok {
		return false
	}
	p.nextSeq++
	p.index[value] = len(p.entries)
	p.entries = append(p.entries, poolEntry{value: value, seq: p.nextSeq})
	return true
}

// Take извлекает произвольный ключ из пула.
func (p *KeyPool) Take() (string, bool) {
	if len(p.entries) == 0 {
		return "", false
	}
	last := p.entries[len(p.entries)-1]
	p.entries = p.entries[:len(p.entries)-1]
	delete(p.index, last.value)
	return last.value, true
}

// Remove удаляет конкретный ключ и сообщает, был ли он в пуле.
func (p *KeyPool) Remove(value string) bool {
	i, ok := p.index[value]
	if !ok {
		return false
	}
	last := len(p.entries) - 1
	if i != last {
		p.entries[i] = p.entries[last]
		p.index[p.entries[i].value] = i
	}
	p.entries = p.entries[:last]
	delete(p.index, value)
	return true
}

// Contains сообщает, находится ли ключ в пуле.
func (p *KeyPool) Contains(value string) bool {
	_, ok := p.index[value]
	return ok
}

// Len возвращает количество доступных ключей.
func (p *KeyPool) Len() int {
	return len(p.entries)
}

// List возвращает копию ключей в порядке добавления.
func (p *KeyPool) List() []string {
	sorted := make([]poolEntry, len(p.entries))
	copy(sorted, p.entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].seq < sorted[j].seq })

	res := make([]string, 0, len(sorted))
	for _, e := range sorted {
		res = append(res, e.value)
	}
	return res
}
