package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gpuctl/core/internal/types"
)

// statePersistenceVersion is bumped whenever persistedState's shape changes
// incompatibly. A state file written by an older version is renamed aside
// rather than parsed (spec.md §4.5.3).
const statePersistenceVersion = 1

// persistedState is the on-disk snapshot C5 writes on shutdown (from
// CoreServices.Shutdown) and reloads at startup so the recovery queue and
// decision history survive a restart. It is not written after individual
// decisions or recovery attempts, and it holds no scheduler policy config.
type persistedState struct {
	Version         int                      `json:"version"`
	SavedAt         time.Time                `json:"saved_at"`
	RecoveryQueue   []persistedRecoveryEntry `json:"recovery_queue"`
	RecentDecisions []*types.ScheduleDecision `json:"recent_decisions"`
}

type persistedRecoveryEntry struct {
	ModelID      types.ModelID `json:"model_id"`
	Reason       string        `json:"reason"`
	Attempts     int           `json:"attempts"`
	NextEligible time.Time     `json:"next_eligible"`
}

// SaveState writes the scheduler's recovery queue and recent decisions to
// path, using a write-to-temp-file-then-rename so a crash mid-write never
// leaves a truncated, unparseable state file behind (spec.md §4.5.3; see
// DESIGN.md's Open Question decision on persistence atomicity).
func (s *Scheduler) SaveState(path string, decisionsLimit int) error {
	s.recovery.mu.Lock()
	entries := make([]persistedRecoveryEntry, 0, len(s.recovery.pending))
	for id, st := range s.recovery.pending {
		entries = append(entries, persistedRecoveryEntry{
			ModelID:      id,
			Reason:       st.reason,
			Attempts:     st.attempts,
			NextEligible: st.nextEligible,
		})
	}
	s.recovery.mu.Unlock()

	state := persistedState{
		Version:         statePersistenceVersion,
		SavedAt:         time.Now(),
		RecoveryQueue:   entries,
		RecentDecisions: s.decisions.Last(decisionsLimit),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".scheduler-state-*.tmp")
	if err != nil {
		return fmt.Errorf("scheduler: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("scheduler: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("scheduler: close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("scheduler: rename temp state file: %w", err)
	}
	return nil
}

// LoadState restores the recovery queue and decision history from path. A
// missing file is not an error — the scheduler simply starts with an empty
// queue (spec.md §4.5.3, startup recovery). A version mismatch renames the
// stale file aside (suffixed with its version and a timestamp) and starts
// fresh rather than guessing at a migration.
func (s *Scheduler) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("scheduler: parse state file: %w", err)
	}

	if state.Version != statePersistenceVersion {
		stale := fmt.Sprintf("%s.v%d.%d.bak", path, state.Version, time.Now().Unix())
		s.log.Warn().Str("path", path).Int("found_version", state.Version).Str("moved_to", stale).
			Msg("scheduler state file version mismatch; archiving and starting fresh")
		return os.Rename(path, stale)
	}

	s.recovery.mu.Lock()
	for _, e := range state.RecoveryQueue {
		s.recovery.pending[e.ModelID] = &recoveryState{
			reason:       e.Reason,
			attempts:     e.Attempts,
			nextEligible: e.NextEligible,
		}
	}
	s.recovery.mu.Unlock()

	for _, d := range state.RecentDecisions {
		s.decisions.Append(d)
	}
	return nil
}
