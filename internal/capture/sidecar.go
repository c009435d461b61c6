package capture

import (
	"encoding/json"
	"fmt"
	"os"
)

// sidecar is the JSON metadata written next to each closed container
type sidecar struct {
	SessionID     string  `json:"session_id"`
	Mode          string  `json:"mode"`
	File          string  `json:"file"`
	Label         string  `json:"label,omitempty"`
	Index         int     `json:"index"`
	FirstSeq      uint64  `json:"first_seq"`
	LastSeq       uint64  `json:"last_seq"`
	Frames        uint64  `json:"frames"`
	Samples       uint64  `json:"samples"`
	Bytes         int64   `json:"bytes"`
	SampleRate    int     `json:"sample_rate"`
	StartOffsetMs int64   `json:"start_offset_ms"`
	DurationSec   float64 `json:"duration_seconds"`
	Aborted       bool    `json:"aborted"`
	ClosedAt      string  `json:"closed_at"`
}

// writeSidecar writes path+".json" atomically: temp file, fsync, rename
func writeSidecar(path string, sc sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar for %s: %w", path, err)
	}

	final := path + ".json"
	tmpPath := final + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tmpPath, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("fsync failed for temp file %s: %w", tmpPath, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file %s -> %s: %w", tmpPath, final, err)
	}

	return nil
}
