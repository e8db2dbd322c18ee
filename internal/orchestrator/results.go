package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeResults rewrites the result file with every round settled so far. The
// file is replaced atomically so readers never see a partial document.
func (o *Orchestrator) writeResults(r *run) error {
	data, err := json.MarshalIndent(r.results, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	dir := filepath.Dir(o.cfg.ResultPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create result directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".result-*.json")
	if err != nil {
		return fmt.Errorf("create result file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write result file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	if err := os.Rename(tmp.Name(), o.cfg.ResultPath); err != nil {
		return fmt.Errorf("replace result file: %w", err)
	}
	return nil
}
