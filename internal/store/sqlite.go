package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sigforge/sigforge/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS articles (
	id           TEXT PRIMARY KEY,
	url          TEXT,
	title        TEXT NOT NULL,
	text         TEXT NOT NULL,
	source       TEXT,
	published_at DATETIME,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	article_id     TEXT NOT NULL,
	trace_id       TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	current_step   TEXT,
	reason         TEXT,
	error          TEXT,
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	terminate_flag INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_steps (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	step       TEXT NOT NULL,
	status     TEXT NOT NULL,
	result     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (run_id, step)
);

CREATE TABLE IF NOT EXISTS review_queue (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES runs(id),
	article_id     TEXT NOT NULL,
	rule_text      TEXT NOT NULL,
	classification TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_article ON runs(article_id);
CREATE INDEX IF NOT EXISTS idx_run_steps_run_id ON run_steps(run_id);
CREATE INDEX IF NOT EXISTS idx_review_queue_created ON review_queue(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, articleID, traceID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, article_id, trace_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, articleID, traceID, string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		ArticleID: articleID,
		TraceID:   traceID,
		Status:    model.RunStatusPending,
		Steps:     map[model.Step]*model.StepResult{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, article_id, trace_id, status, current_step, reason, error,
		        input_tokens, output_tokens, created_at, updated_at
		 FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM run_steps WHERE run_id = ? ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load steps for run %s", runID)
	}
	defer rows.Close()

	r.Steps = map[model.Step]*model.StepResult{}
	for rows.Next() {
		var resultJSON string
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan step")
		}
		var sr model.StepResult
		if err := json.Unmarshal([]byte(resultJSON), &sr); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal step result")
		}
		r.Steps[sr.Step] = &sr
	}
	return r, eris.Wrap(rows.Err(), "sqlite: iterate steps")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, article_id, trace_id, status, current_step, reason, error,
	                 input_tokens, output_tokens, created_at, updated_at
	          FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ArticleID != "" {
		query += ` AND article_id = ?`
		args = append(args, filter.ArticleID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) FindActiveRun(ctx context.Context, articleID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, article_id, trace_id, status, current_step, reason, error,
		        input_tokens, output_tokens, created_at, updated_at
		 FROM runs WHERE article_id = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		articleID, string(model.RunStatusPending), string(model.RunStatusRunning),
	)
	r, err := scanRun(row)
	if eris.Is(err, errRunNotFound) {
		return nil, nil
	}
	return r, err
}

// SaveStep records a completed step and advances the run pointer in one
// transaction. Re-saving the same step overwrites the previous result, which
// keeps resume idempotent.
func (s *SQLiteStore) SaveStep(ctx context.Context, runID string, result *model.StepResult, next model.Step) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal step result")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save step")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_steps (id, run_id, step, status, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, step) DO UPDATE SET status = excluded.status, result = excluded.result`,
		uuid.New().String(), runID, string(result.Step), string(result.Status),
		string(resultJSON), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert step %s for run %s", result.Step, runID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET current_step = ?, status = ?,
		        input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
		        updated_at = ?
		 WHERE id = ?`,
		string(next), string(model.RunStatusRunning),
		result.Usage.InputTokens, result.Usage.OutputTokens,
		time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: advance run %s", runID)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save step")
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, reason model.TerminationReason, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, reason = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), string(reason), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) RequestTermination(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET terminate_flag = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: request termination %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) TerminationRequested(ctx context.Context, runID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT terminate_flag FROM runs WHERE id = ?`, runID,
	).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, errRunNotFound
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: termination flag %s", runID)
	}
	return flag != 0, nil
}

func (s *SQLiteStore) CreateReviewEntry(ctx context.Context, entry *model.ReviewEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_queue (id, run_id, article_id, rule_text, classification, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, entry.ArticleID, entry.RuleText,
		string(entry.Classification), entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert review entry")
}

func (s *SQLiteStore) ListReviewEntries(ctx context.Context, limit int) ([]model.ReviewEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, article_id, rule_text, classification, created_at
		 FROM review_queue ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review entries")
	}
	defer rows.Close()

	var entries []model.ReviewEntry
	for rows.Next() {
		var e model.ReviewEntry
		var class string
		if err := rows.Scan(&e.ID, &e.RunID, &e.ArticleID, &e.RuleText, &class, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review entry")
		}
		e.Classification = model.MatchClass(class)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list review entries iterate")
}

func (s *SQLiteStore) SaveArticle(ctx context.Context, article *model.Article) error {
	if article.ID == "" {
		article.ID = uuid.New().String()
	}
	if article.CreatedAt.IsZero() {
		article.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO articles (id, url, title, text, source, published_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET url = excluded.url, title = excluded.title,
		        text = excluded.text, source = excluded.source, published_at = excluded.published_at`,
		article.ID, article.URL, article.Title, article.Text, article.Source,
		article.PublishedAt, article.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: save article")
}

func (s *SQLiteStore) GetArticle(ctx context.Context, articleID string) (*model.Article, error) {
	var a model.Article
	err := s.db.QueryRowContext(ctx,
		`SELECT id, url, title, text, source, published_at, created_at FROM articles WHERE id = ?`,
		articleID,
	).Scan(&a.ID, &a.URL, &a.Title, &a.Text, &a.Source, &a.PublishedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "article %s", articleID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get article %s", articleID)
	}
	return &a, nil
}

func (s *SQLiteStore) ListUnprocessedArticles(ctx context.Context, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.url, a.title, a.text, a.source, a.published_at, a.created_at
		 FROM articles a
		 WHERE NOT EXISTS (SELECT 1 FROM runs r WHERE r.article_id = a.id)
		 ORDER BY a.created_at LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unprocessed articles")
	}
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		var a model.Article
		if err := rows.Scan(&a.ID, &a.URL, &a.Title, &a.Text, &a.Source, &a.PublishedAt, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan article")
		}
		articles = append(articles, a)
	}
	return articles, eris.Wrap(rows.Err(), "sqlite: list unprocessed iterate")
}

func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (*RunStats, error) {
	stats := &RunStats{
		ByStatus: map[model.RunStatus]int{},
		ByReason: map[model.TerminationReason]int{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, reason, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		 FROM runs WHERE created_at >= ? GROUP BY status, reason`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run stats")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var reason sql.NullString
		var count int
		var in, out int64
		if err := rows.Scan(&status, &reason, &count, &in, &out); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stats")
		}
		stats.Total += count
		stats.ByStatus[model.RunStatus(status)] += count
		if reason.Valid && reason.String != "" {
			stats.ByReason[model.TerminationReason(reason.String)] += count
		}
		stats.Usage.Add(model.TokenUsage{InputTokens: in, OutputTokens: out})
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: stats iterate")
}

// helpers

var errRunNotFound = eris.Wrap(ErrNotFound, "run")

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var currentStep, reason, errMsg sql.NullString

	err := row.Scan(
		&r.ID, &r.ArticleID, &r.TraceID, &r.Status, &currentStep, &reason, &errMsg,
		&r.Usage.InputTokens, &r.Usage.OutputTokens, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	r.CurrentStep = model.Step(currentStep.String)
	r.Reason = model.TerminationReason(reason.String)
	r.Error = errMsg.String
	return &r, nil
}
