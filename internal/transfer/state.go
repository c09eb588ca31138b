package transfer

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	models "github.com/clipmesh/clipmesh/pkg/transfermodel"
)

const stateFileName = "transfer_state.json"

// Note on save cadence: callers persist state every saveEveryNChunks chunks
// and on every terminal transition (see engine.go), not on every single
// state change. A task's Pending->Transferring flip on its very first chunk
// therefore isn't itself flushed to disk — a crash right there resumes from
// the last periodic checkpoint, which still reconstructs a correct (if
// slightly stale) resume point, so this is left as a deliberate tradeoff
// rather than a bug.

// persistedState is the on-disk shape of transfer_state.json: the resume
// index of incoming tasks not yet in a terminal state.
type persistedState struct {
	Incoming map[string]*models.TransferTask `json:"incoming"`
}

func (e *Engine) statePath() string {
	return filepath.Join(e.baseDir, stateFileName)
}

func (e *Engine) partialPath(transferID string) string {
	return filepath.Join(e.baseDir, transferID+".partial")
}

// saveStateLocked atomically rewrites transfer_state.json from the current
// in-memory incoming tasks. Must be called with e.mu held.
func (e *Engine) saveStateLocked() error {
	state := persistedState{Incoming: make(map[string]*models.TransferTask)}
	for id, entry := range e.incoming {
		if entry.task.IsTerminal() {
			continue
		}
		state.Incoming[id] = entry.task
	}

	path := e.statePath()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("transfer: open temp state file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&state); err != nil {
		f.Close()
		return fmt.Errorf("transfer: encode state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("transfer: close temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("transfer: atomic rename state file: %w", err)
	}
	return nil
}

// loadState reads transfer_state.json. A missing or corrupt file is treated
// as "no prior state" rather than an error, per the durable resume format's
// design note: the engine starts clean instead of propagating a load
// failure.
func loadState(baseDir string, logger *log.Logger) persistedState {
	empty := persistedState{Incoming: make(map[string]*models.TransferTask)}
	path := filepath.Join(baseDir, stateFileName)

	f, err := os.Open(path)
	if err != nil {
		return empty
	}
	defer f.Close()

	var state persistedState
	if err := json.NewDecoder(f).Decode(&state); err != nil {
		logger.Printf("[transfer] corrupt state file, starting clean: %v", err)
		return empty
	}
	if state.Incoming == nil {
		state.Incoming = make(map[string]*models.TransferTask)
	}
	return state
}

// savePartialLocked atomically writes the receive buffer sidecar for a
// transfer. Must be called with e.mu held.
func (e *Engine) savePartialLocked(transferID string, data []byte) error {
	path := e.partialPath(transferID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("transfer: write partial sidecar: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("transfer: atomic rename partial sidecar: %w", err)
	}
	return nil
}

// loadPartial reads a transfer's partial sidecar, zero-padding to fileSize
// when the sidecar is absent or short.
func loadPartial(baseDir, transferID string, fileSize int64) []byte {
	path := filepath.Join(baseDir, transferID+".partial")
	buf := make([]byte, fileSize)
	data, err := os.ReadFile(path)
	if err != nil {
		return buf
	}
	copy(buf, data)
	return buf
}

// removeDiskArtifactsLocked deletes a transfer's partial sidecar and removes
// it from the state file. Must be called with e.mu held.
func (e *Engine) removeDiskArtifactsLocked(transferID string) {
	os.Remove(e.partialPath(transferID))
	if err := e.saveStateLocked(); err != nil {
		e.logger.Printf("[transfer] failed to rewrite state file after removing %s: %v", transferID, err)
	}
}
