package metrics

import (
	"os"
	"time"
)

// Checkpoint writes every currently-held series to a single file in the
// same JSON layout as ExportJSON: an object keyed by metric type, then by
// metric key, then a list of {value, timestamp, tags} points with ISO-8601
// UTC timestamps. The file is written atomically via a rename.
func (s *Sink) Checkpoint(path string) error {
	data, err := s.ExportJSON(time.Time{}, s.now().Add(time.Second))
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
