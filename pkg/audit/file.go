package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const filePruneInterval = 24 * time.Hour

// FileRecorder implements Recorder by appending JSON lines to a file.
// One record per line keeps the history greppable and trivially parseable.
// With a positive retention, expired lines are pruned at startup and then
// once a day.
type FileRecorder struct {
	mu            sync.Mutex
	file          *os.File
	path          string
	retentionDays int
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewFileRecorder opens (creating if needed) the audit log file at path.
// retentionDays of 0 keeps records forever.
func NewFileRecorder(path string, retentionDays int) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := openAuditFile(path)
	if err != nil {
		return nil, err
	}

	r := &FileRecorder{
		file:          file,
		path:          path,
		retentionDays: retentionDays,
		stopChan:      make(chan struct{}),
	}
	if retentionDays > 0 {
		r.prune()
		r.wg.Add(1)
		go r.pruneWorker()
	}

	log.Info().
		Str("path", path).
		Int("retentionDays", retentionDays).
		Msg("File audit recorder initialized")
	return r, nil
}

func openAuditFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return file, nil
}

// Append writes the record as a single JSON line.
func (r *FileRecorder) Append(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.file.Write(data); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (r *FileRecorder) pruneWorker() {
	defer r.wg.Done()

	ticker := time.NewTicker(filePruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.prune()
		case <-r.stopChan:
			return
		}
	}
}

// prune rewrites the log keeping only lines newer than the retention cutoff.
// Lines that fail to parse are kept; pruning must never destroy evidence.
func (r *FileRecorder) prune() {
	cutoff := time.Now().AddDate(0, 0, -r.retentionDays)

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		log.Warn().Err(err).Msg("Audit retention prune could not read log")
		return
	}

	var kept [][]byte
	dropped := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var stamp struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(line, &stamp); err == nil &&
			!stamp.Timestamp.IsZero() && stamp.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, line)
	}
	if dropped == 0 {
		return
	}

	out := bytes.Join(kept, []byte("\n"))
	if len(out) > 0 {
		out = append(out, '\n')
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o640); err != nil {
		log.Warn().Err(err).Msg("Audit retention prune could not write replacement log")
		return
	}

	r.file.Close()
	if err := os.Rename(tmp, r.path); err != nil {
		log.Warn().Err(err).Msg("Audit retention prune could not swap log file")
	}
	file, err := openAuditFile(r.path)
	if err != nil {
		log.Error().Err(err).Msg("Audit log unavailable after retention prune")
		return
	}
	r.file = file

	log.Info().Int("deleted", dropped).Msg("Audit retention prune removed expired records")
}

// Close stops the prune worker and closes the underlying file.
func (r *FileRecorder) Close() error {
	close(r.stopChan)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
