package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"plexalign/internal/registration"
	"plexalign/internal/segmentation"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for jobs, shifts and descriptors.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between workers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            plate TEXT,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS acquisitions (
            plate TEXT NOT NULL,
            site INTEGER NOT NULL,
            cycle INTEGER NOT NULL,
            channel TEXT NOT NULL,
            zplane INTEGER NOT NULL DEFAULT 0,
            path TEXT NOT NULL,
            PRIMARY KEY (plate, site, cycle, channel, zplane)
        );`,
		`CREATE TABLE IF NOT EXISTS site_shifts (
            plate TEXT NOT NULL,
            site INTEGER NOT NULL,
            cycle INTEGER NOT NULL,
            y INTEGER NOT NULL,
            x INTEGER NOT NULL,
            exceeds_max_shift BOOLEAN DEFAULT FALSE,
            job_id TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (plate, site, cycle)
        );`,
		`CREATE TABLE IF NOT EXISTS descriptors (
            plate TEXT NOT NULL,
            cycle INTEGER NOT NULL,
            path TEXT,
            body_json TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (plate, cycle)
        );`,
		`CREATE TABLE IF NOT EXISTS segmentations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            input_path TEXT,
            output_path TEXT,
            stats_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_plate ON jobs(plate, job_type, status);`,
		`CREATE INDEX IF NOT EXISTS idx_site_shifts_plate ON site_shifts(plate);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Status      string     `json:"status"`
	Plate       string     `json:"plate,omitempty"`
	InputPath   string     `json:"input"`
	OutputPath  string     `json:"output"`
	OptionsJSON string     `json:"options"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Acquisition is one image file discovered by a scan.
type Acquisition struct {
	Plate   string `json:"plate"`
	Site    int    `json:"site"`
	Cycle   int    `json:"cycle"`
	Channel string `json:"channel"`
	ZPlane  int    `json:"zplane"`
	Path    string `json:"path"`
}

// SegmentationRecord is the persisted outcome of one separate job.
type SegmentationRecord struct {
	JobID      string             `json:"job_id"`
	InputPath  string             `json:"input"`
	OutputPath string             `json:"output"`
	Stats      segmentation.Stats `json:"stats"`
	CreatedAt  time.Time          `json:"created_at"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO jobs (id, job_type, status, plate, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.Plate, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

const jobColumns = `id, job_type, status, plate, input_path, output_path, options_json, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var plate, input, output, opts, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &plate, &input, &output, &opts, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.Plate, rec.InputPath, rec.OutputPath, rec.OptionsJSON = plate.String, input.String, output.String, opts.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	rec.Error = errorMsg.String
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches one job by id.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	rec, err := scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result of job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// PendingJobs counts queued or running jobs of one type for a plate.
func (s *Store) PendingJobs(plate, jobType string) (int, error) {
	if s == nil {
		return 0, nil
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM jobs WHERE plate=? AND job_type=? AND status IN ('queued', 'running');`, plate, jobType).Scan(&n)
	return n, err
}

// RecordAcquisitions stores scanned files, replacing earlier scans of the same files.
func (s *Store) RecordAcquisitions(acqs []Acquisition) error {
	if s == nil || len(acqs) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	for _, a := range acqs {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO acquisitions (plate, site, cycle, channel, zplane, path) VALUES (?, ?, ?, ?, ?, ?);`,
			a.Plate, a.Site, a.Cycle, a.Channel, a.ZPlane, a.Path); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Acquisitions lists the files of a plate ordered by site, cycle, channel and plane.
func (s *Store) Acquisitions(plate string) ([]Acquisition, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT plate, site, cycle, channel, zplane, path FROM acquisitions WHERE plate=? ORDER BY site, cycle, channel, zplane;`, plate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Acquisition
	for rows.Next() {
		var a Acquisition
		if err := rows.Scan(&a.Plate, &a.Site, &a.Cycle, &a.Channel, &a.ZPlane, &a.Path); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReplaceSiteShifts stores the shifts of one registration of a site. Rows
// from earlier registrations of the site are removed, so cycles that are no
// longer registered stop counting toward aggregation.
func (s *Store) ReplaceSiteShifts(jobID, plate string, site int, recs []registration.SiteShift) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM site_shifts WHERE plate=? AND site=?;`, plate, site); err != nil {
		tx.Rollback()
		return err
	}
	for _, rec := range recs {
		if rec.Site != site {
			tx.Rollback()
			return fmt.Errorf("shift of site %d recorded for site %d", rec.Site, site)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO site_shifts (plate, site, cycle, y, x, exceeds_max_shift, job_id) VALUES (?, ?, ?, ?, ?, ?, ?);`,
			plate, rec.Site, rec.Cycle, rec.Y, rec.X, rec.ExceedsMaxShift, jobID); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// SiteShifts lists the stored shifts of a plate ordered by site then cycle.
func (s *Store) SiteShifts(plate string) ([]registration.SiteShift, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT site, cycle, y, x, exceeds_max_shift FROM site_shifts WHERE plate=? ORDER BY site, cycle;`, plate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registration.SiteShift
	for rows.Next() {
		var r registration.SiteShift
		if err := rows.Scan(&r.Site, &r.Cycle, &r.Y, &r.X, &r.ExceedsMaxShift); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordDescriptor upserts the descriptor of one cycle together with the
// file it was written to.
func (s *Store) RecordDescriptor(path string, d *registration.Descriptor) error {
	if s == nil {
		return nil
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO descriptors (plate, cycle, path, body_json) VALUES (?, ?, ?, ?);`,
		d.Plate, d.Cycle, path, string(body))
	return err
}

// Descriptors returns every stored descriptor of a plate ordered by cycle.
func (s *Store) Descriptors(plate string) ([]*registration.Descriptor, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT body_json FROM descriptors WHERE plate=? ORDER BY cycle;`, plate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*registration.Descriptor
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d registration.Descriptor
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("unmarshal descriptor: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Descriptor returns the descriptor of one cycle.
func (s *Store) Descriptor(plate string, cycle int) (*registration.Descriptor, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var body string
	err := s.DB.QueryRow(`SELECT body_json FROM descriptors WHERE plate=? AND cycle=?;`, plate, cycle).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("descriptor %s cycle %d: %w", plate, cycle, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var d registration.Descriptor
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	return &d, nil
}

// RecordSegmentation stores the statistics of one separation run.
func (s *Store) RecordSegmentation(rec SegmentationRecord) error {
	if s == nil {
		return nil
	}
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	_, err = s.DB.Exec(`INSERT INTO segmentations (job_id, input_path, output_path, stats_json) VALUES (?, ?, ?, ?);`,
		rec.JobID, rec.InputPath, rec.OutputPath, string(stats))
	return err
}

// RecentSegmentations returns the latest separation runs up to limit.
func (s *Store) RecentSegmentations(limit int) ([]SegmentationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, input_path, output_path, stats_json, created_at FROM segmentations ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SegmentationRecord
	for rows.Next() {
		var rec SegmentationRecord
		var stats string
		if err := rows.Scan(&rec.JobID, &rec.InputPath, &rec.OutputPath, &stats, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stats), &rec.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
