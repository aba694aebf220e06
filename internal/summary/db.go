// Package summary stores the per-step scalar and text stream of training and
// evaluation runs in SQLite, and renders it as PNG plots and an HTML
// dashboard for offline inspection.
package summary

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/pointpillars/internal/timeutil"
)

// DirName is the summary directory inside a model directory.
const DirName = "summary"

// FileName is the database file inside the summary directory.
const FileName = "summary.db"

// DB is the summary database.
type DB struct {
	*sql.DB
	path string
}

// Path returns the summary database path for a model directory.
func Path(modelDir string) string {
	return filepath.Join(modelDir, DirName, FileName)
}

// Open opens or creates the database at path and brings its schema up to
// date.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create summary dir: %w", err)
		}
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open summary db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open summary db: %w", err)
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Writer appends to the stream of one run.
type Writer struct {
	db    *DB
	runID string
	clock timeutil.Clock
}

// NewRun registers a run for modelDir and returns its writer.
func (db *DB) NewRun(modelDir, label string, clock timeutil.Clock) (*Writer, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	id := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO runs (run_id, model_dir, label) VALUES (?, ?, ?)`, id, modelDir, label); err != nil {
		return nil, fmt.Errorf("register run: %w", err)
	}
	return &Writer{db: db, runID: id, clock: clock}, nil
}

// RunID returns the run's identifier.
func (w *Writer) RunID() string { return w.runID }

func (w *Writer) wallTime() float64 {
	return float64(w.clock.Now().UnixNano()) / float64(time.Second)
}

// AddScalar records value under tag at step.
func (w *Writer) AddScalar(tag string, step int64, value float64) error {
	_, err := w.db.Exec(`INSERT INTO scalars (run_id, tag, step, value, wall_time) VALUES (?, ?, ?, ?, ?)`,
		w.runID, tag, step, value, w.wallTime())
	if err != nil {
		return fmt.Errorf("add scalar %s: %w", tag, err)
	}
	return nil
}

// AddText records text under tag at step.
func (w *Writer) AddText(tag string, step int64, text string) error {
	_, err := w.db.Exec(`INSERT INTO texts (run_id, tag, step, body, wall_time) VALUES (?, ?, ?, ?, ?)`,
		w.runID, tag, step, text, w.wallTime())
	if err != nil {
		return fmt.Errorf("add text %s: %w", tag, err)
	}
	return nil
}

// Point is one scalar observation.
type Point struct {
	RunID string  `json:"run_id"`
	Step  int64   `json:"step"`
	Value float64 `json:"value"`
}

// Tags lists scalar tags matching the optional prefix, sorted.
func (db *DB) Tags(prefix string) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT tag FROM scalars WHERE tag LIKE ? ESCAPE '\' ORDER BY tag`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// Scalars returns every observation of tag across runs, ordered by step.
func (db *DB) Scalars(tag string) ([]Point, error) {
	rows, err := db.Query(`SELECT run_id, step, value FROM scalars WHERE tag = ? ORDER BY step, wall_time`, tag)
	if err != nil {
		return nil, fmt.Errorf("query scalars %s: %w", tag, err)
	}
	defer rows.Close()
	var pts []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.RunID, &p.Step, &p.Value); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

// ErrNoText is returned by LatestText when the tag has no entries.
var ErrNoText = errors.New("no text recorded")

// LatestText returns the most recent text under tag and its step.
func (db *DB) LatestText(tag string) (string, int64, error) {
	var body string
	var step int64
	err := db.QueryRow(`SELECT body, step FROM texts WHERE tag = ? ORDER BY step DESC, wall_time DESC LIMIT 1`, tag).Scan(&body, &step)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("%s: %w", tag, ErrNoText)
	}
	if err != nil {
		return "", 0, fmt.Errorf("query text %s: %w", tag, err)
	}
	return body, step, nil
}
