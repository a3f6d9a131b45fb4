// Package journal persists the crash-recovery hint and archives the day's
// trade journal to S3-compatible object storage.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// RecoveryFile stores the open position as a small JSON file next to the
// process. The ledger is the durable record; the file is a fast local hint
// that lets a restarted process resume stop management before the database
// round trip completes.
type RecoveryFile struct {
	path string
}

// NewRecoveryFile creates a RecoveryFile at path.
func NewRecoveryFile(path string) *RecoveryFile {
	return &RecoveryFile{path: path}
}

type recoveryHint struct {
	Position domain.Position `json:"position"`
	SavedAt  time.Time       `json:"saved_at"`
}

// Save atomically writes the hint by writing a temp file and renaming it.
func (r *RecoveryFile) Save(pos domain.Position) error {
	data, err := json.MarshalIndent(recoveryHint{Position: pos, SavedAt: time.Now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal recovery hint: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("journal: write recovery hint: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("journal: rename recovery hint: %w", err)
	}
	return nil
}

// Load returns the saved hint, or domain.ErrNotFound when none exists.
func (r *RecoveryFile) Load() (domain.Position, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("journal: read recovery hint: %w", err)
	}
	var hint recoveryHint
	if err := json.Unmarshal(data, &hint); err != nil {
		return domain.Position{}, fmt.Errorf("journal: decode recovery hint: %w", err)
	}
	return hint.Position, nil
}

// Clear removes the hint. A missing file is not an error.
func (r *RecoveryFile) Clear() error {
	err := os.Remove(r.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("journal: remove recovery hint: %w", err)
	}
	return nil
}
