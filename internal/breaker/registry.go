package breaker

import (
	"sync"
	"time"
)

// Options общие настройки для breakers, создаваемых реестром
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Classifier       Classifier
	OnTransition     TransitionHook
}

// Registry хранит именованные breakers, по одному на внешнюю зависимость.
// Breakers независимы и не разделяют мьютексы.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	breakers map[string]*Breaker
}

// NewRegistry создает реестр breakers
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get возвращает breaker по имени, создавая при первом обращении
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = newBreaker(name, r.opts.FailureThreshold, r.opts.RecoveryTimeout,
			r.opts.Classifier, r.opts.OnTransition)
		r.breakers[name] = b
	}
	return b
}

// Call выполняет fn через именованный breaker
func (r *Registry) Call(name string, fn func() error) error {
	return r.Get(name).Call(fn)
}

// Snapshots возвращает состояние всех breakers
func (r *Registry) Snapshots() []BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]BreakerStatus, 0, len(r.breakers))
	for _, b := range r.breakers {
		statuses = append(statuses, b.Snapshot())
	}
	return statuses
}

// Gauges возвращает метрики состояния всех breakers
func (r *Registry) Gauges() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	gauges := make(map[string]float64, len(r.breakers))
	for name, b := range r.breakers {
		gauges[name] = b.Gauge()
	}
	return gauges
}
