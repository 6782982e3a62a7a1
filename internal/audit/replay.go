package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kirillm/risk-gate/internal/domain"
)

// Replay читает журнал и возвращает записи в порядке записи
func Replay(path string) ([]domain.AuditRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer file.Close()

	var records []domain.AuditRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		var record domain.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("corrupt audit record at line %d: %w", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}

	return records, nil
}

// Transitions выбирает из журнала историю переходов состояния риска
func Transitions(records []domain.AuditRecord) []domain.AuditRecord {
	var transitions []domain.AuditRecord
	for _, r := range records {
		if r.Kind == domain.AuditKindTransition {
			transitions = append(transitions, r)
		}
	}
	return transitions
}
