package metrics

import (
	"sync"
	"sync/atomic"
)

// Metrics собирает счетчики решений admission pipeline.
// Гейджи (kill switch, breaker, позиции) снимаются из компонентов
// на момент запроса, здесь живут только счетчики.
type Metrics struct {
	admitted atomic.Int64

	mu       sync.Mutex
	rejected map[string]int64 // по гейту отклонения
}

// New создает коллектор метрик
func New() *Metrics {
	return &Metrics{rejected: make(map[string]int64)}
}

// IncAdmitted увеличивает счетчик принятых действий
func (m *Metrics) IncAdmitted() {
	m.admitted.Add(1)
}

// IncRejected увеличивает счетчик отклонений по гейту
func (m *Metrics) IncRejected(gate string) {
	m.mu.Lock()
	m.rejected[gate]++
	m.mu.Unlock()
}

// Snapshot возвращает текущие значения счетчиков
func (m *Metrics) Snapshot() (admitted int64, rejected map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rejected = make(map[string]int64, len(m.rejected))
	for gate, count := range m.rejected {
		rejected[gate] = count
	}
	return m.admitted.Load(), rejected
}
