package instance

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/kirillm/risk-gate/internal/domain"
)

// Lock удерживает эксклюзивный file lock на время жизни процесса.
// Проверки позиций и kill switch защищены только внутрипроцессными
// мьютексами, поэтому один аккаунт — строго один экземпляр. Второй
// экземпляр падает на старте, а не гоняется с первым за позициями.
type Lock struct {
	lock *flock.Flock
}

// Acquire захватывает lock. Возвращает domain.ErrInstanceLocked,
// если lock уже удерживается другим процессом.
func Acquire(path string) (*Lock, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create lock dir: %w", err)
		}
	}

	fileLock := flock.New(path)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, domain.ErrInstanceLocked)
	}

	return &Lock{lock: fileLock}, nil
}

// Release освобождает lock
func (l *Lock) Release() error {
	return l.lock.Unlock()
}
