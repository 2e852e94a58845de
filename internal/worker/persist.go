package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cephla-io/squid-acquisition/internal/qcstore"
)

// saveStore writes store to {experiment_path}/NNN/qc_metrics.csv per
// spec.md §6's persistence layout.
func (w *Worker) saveStore(t int, store *qcstore.Store) error {
	dir := w.timepointDir(t)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("worker: create timepoint dir %s: %w", dir, err)
	}
	return store.Save(filepath.Join(dir, "qc_metrics.csv"))
}

// recordZHistory captures each FOV's absolute Z position from the
// completed store so the next timepoint's QC jobs can compute
// z_diff_from_last_timepoint_um (spec.md §4.D).
func (w *Worker) recordZHistory(store *qcstore.Store) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range store.GetAll() {
		w.lastZByFOV[m.FOV] = m.ZPosition
	}
}
