package audit

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const retentionSweepInterval = time.Hour

// SQLiteRecorderConfig configures the SQLite audit recorder.
type SQLiteRecorderConfig struct {
	DataDir       string // Directory for audit.db
	RetentionDays int    // Days to keep records (default: 90, 0 = forever)
}

// SQLiteRecorder implements Recorder with persistent SQLite storage and a
// background retention sweep.
type SQLiteRecorder struct {
	mu            sync.Mutex
	db            *sql.DB
	dbPath        string
	retentionDays int
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewSQLiteRecorder creates a new SQLite-backed audit recorder.
func NewSQLiteRecorder(cfg SQLiteRecorderConfig) (*SQLiteRecorder, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "audit.db")

	// Open database with pragmas in DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	retentionDays := cfg.RetentionDays
	if retentionDays == 0 {
		retentionDays = 90
	}

	r := &SQLiteRecorder{
		db:            db,
		dbPath:        dbPath,
		retentionDays: retentionDays,
		stopChan:      make(chan struct{}),
	}

	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if retentionDays > 0 {
		r.wg.Add(1)
		go r.retentionWorker()
	}

	log.Info().
		Str("dbPath", dbPath).
		Int("retentionDays", retentionDays).
		Msg("SQLite audit recorder initialized")

	return r, nil
}

func (r *SQLiteRecorder) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		issue_id TEXT,
		dedup_key TEXT,
		source TEXT,
		pattern TEXT,
		severity TEXT,
		state TEXT,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_records(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_dedup_key ON audit_records(dedup_key) WHERE dedup_key != '';
	`

	_, err := r.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Append inserts a record.
func (r *SQLiteRecorder) Append(record Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO audit_records (id, timestamp, event_type, issue_id, dedup_key, source, pattern, severity, state, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Timestamp.Unix(),
		string(record.EventType),
		record.IssueID,
		record.DedupKey,
		record.Source,
		record.Pattern,
		record.Severity,
		record.State,
		record.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// QueryFilter defines filters for querying audit records.
type QueryFilter struct {
	DedupKey  string
	EventType EventType
	Since     *time.Time
	Limit     int
}

// Query retrieves audit records matching the filter, newest first.
func (r *SQLiteRecorder) Query(filter QueryFilter) ([]Record, error) {
	query := `SELECT id, timestamp, event_type, issue_id, dedup_key, source, pattern, severity, state, details
		FROM audit_records WHERE 1=1`
	args := []interface{}{}

	if filter.DedupKey != "" {
		query += " AND dedup_key = ?"
		args = append(args, filter.DedupKey)
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(filter.EventType))
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.Unix())
	}

	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts int64
		var eventType string
		if err := rows.Scan(&rec.ID, &ts, &eventType, &rec.IssueID, &rec.DedupKey,
			&rec.Source, &rec.Pattern, &rec.Severity, &rec.State, &rec.Details); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Timestamp = time.Unix(ts, 0).UTC()
		rec.EventType = EventType(eventType)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRecorder) retentionWorker() {
	defer r.wg.Done()

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopChan:
			return
		}
	}
}

func (r *SQLiteRecorder) sweep() {
	cutoff := time.Now().AddDate(0, 0, -r.retentionDays).Unix()

	r.mu.Lock()
	result, err := r.db.Exec(`DELETE FROM audit_records WHERE timestamp < ?`, cutoff)
	r.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("Audit retention sweep failed")
		return
	}
	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Audit retention sweep removed expired records")
	}
}

// Close stops the retention worker and closes the database.
func (r *SQLiteRecorder) Close() error {
	close(r.stopChan)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}
