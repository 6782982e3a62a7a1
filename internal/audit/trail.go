package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/kirillm/risk-gate/internal/domain"
)

// Trail пишет append-only журнал решений и переходов состояния риска.
// Одна запись — одна JSON-строка, fsync перед возвратом: после сбоя запись
// либо присутствует целиком, либо отсутствует. Мьютекс сериализует писателей
// внутри процесса, advisory flock защищает файл от другого процесса.
type Trail struct {
	mu   sync.Mutex
	file *os.File
	lock *flock.Flock
}

// NewTrail открывает (или создает) файл журнала и захватывает file lock
func NewTrail(path string) (*Trail, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit dir: %w", err)
		}
	}

	fileLock := flock.New(path + ".lock")
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire audit file lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("audit trail %s: %w", path, domain.ErrInstanceLocked)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fileLock.Unlock()
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}

	return &Trail{file: file, lock: fileLock}, nil
}

// Append дописывает запись в журнал. Ошибка записи фатальна для admission,
// поэтому всегда оборачивается в domain.ErrPersistence.
func (t *Trail) Append(record *domain.AuditRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: marshal audit record: %v", domain.ErrPersistence, err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.file.Write(data); err != nil {
		return fmt.Errorf("%w: write audit record: %v", domain.ErrPersistence, err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync audit trail: %v", domain.ErrPersistence, err)
	}

	return nil
}

// Close освобождает файл и file lock
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.file.Close(); err != nil {
		t.lock.Unlock()
		return err
	}
	return t.lock.Unlock()
}
