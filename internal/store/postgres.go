package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sigforge/sigforge/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it in
// tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS articles (
	id           TEXT PRIMARY KEY,
	url          TEXT,
	title        TEXT NOT NULL,
	text         TEXT NOT NULL,
	source       TEXT,
	published_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	article_id     TEXT NOT NULL,
	trace_id       TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	current_step   TEXT,
	reason         TEXT,
	error          TEXT,
	input_tokens   BIGINT NOT NULL DEFAULT 0,
	output_tokens  BIGINT NOT NULL DEFAULT 0,
	terminate_flag BOOLEAN NOT NULL DEFAULT false,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_steps (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	step       TEXT NOT NULL,
	status     TEXT NOT NULL,
	result     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, step)
);

CREATE TABLE IF NOT EXISTS review_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id         TEXT NOT NULL REFERENCES runs(id),
	article_id     TEXT NOT NULL,
	rule_text      TEXT NOT NULL,
	classification TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_article ON runs(article_id);
CREATE INDEX IF NOT EXISTS idx_run_steps_run_id ON run_steps(run_id);
CREATE INDEX IF NOT EXISTS idx_review_queue_created ON review_queue(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) CreateRun(ctx context.Context, articleID, traceID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, article_id, trace_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, articleID, traceID, string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

const pgSelectRun = `SELECT id, article_id, trace_id, status, current_step, reason, error,
       input_tokens, output_tokens, created_at, updated_at FROM runs`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, pgSelectRun+` WHERE id = $1`, runID))
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT result FROM run_steps WHERE run_id = $1 ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load steps for run %s", runID)
	}
	defer rows.Close()

	r.Steps = map[model.Step]*model.StepResult{}
	for rows.Next() {
		var resultJSON []byte
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan step")
		}
		var sr model.StepResult
		if err := json.Unmarshal(resultJSON, &sr); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal step result")
		}
		r.Steps[sr.Step] = &sr
	}
	return r, eris.Wrap(rows.Err(), "postgres: iterate steps")
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := pgSelectRun + ` WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $1`
	}
	if filter.ArticleID != "" {
		args = append(args, filter.ArticleID)
		query += ` AND article_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) FindActiveRun(ctx context.Context, articleID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		pgSelectRun+` WHERE article_id = $1 AND status IN ($2, $3) ORDER BY created_at DESC LIMIT 1`,
		articleID, string(model.RunStatusPending), string(model.RunStatusRunning),
	))
	if eris.Is(err, errRunNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) SaveStep(ctx context.Context, runID string, result *model.StepResult, next model.Step) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal step result")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save step")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO run_steps (id, run_id, step, status, result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, step) DO UPDATE SET status = excluded.status, result = excluded.result`,
		uuid.New().String(), runID, string(result.Step), string(result.Status),
		resultJSON, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert step %s for run %s", result.Step, runID)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET current_step = $1, status = $2,
		        input_tokens = input_tokens + $3, output_tokens = output_tokens + $4,
		        updated_at = $5
		 WHERE id = $6`,
		string(next), string(model.RunStatusRunning),
		result.Usage.InputTokens, result.Usage.OutputTokens,
		time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: advance run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit save step")
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, reason model.TerminationReason, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, reason = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(status), string(reason), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) RequestTermination(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET terminate_flag = true, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: request termination %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) TerminationRequested(ctx context.Context, runID string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx,
		`SELECT terminate_flag FROM runs WHERE id = $1`, runID,
	).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, errRunNotFound
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: termination flag %s", runID)
	}
	return flag, nil
}

func (s *PostgresStore) CreateReviewEntry(ctx context.Context, entry *model.ReviewEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO review_queue (id, run_id, article_id, rule_text, classification, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.RunID, entry.ArticleID, entry.RuleText,
		string(entry.Classification), entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert review entry")
}

func (s *PostgresStore) ListReviewEntries(ctx context.Context, limit int) ([]model.ReviewEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, article_id, rule_text, classification, created_at
		 FROM review_queue ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review entries")
	}
	defer rows.Close()

	var entries []model.ReviewEntry
	for rows.Next() {
		var e model.ReviewEntry
		var class string
		if err := rows.Scan(&e.ID, &e.RunID, &e.ArticleID, &e.RuleText, &class, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review entry")
		}
		e.Classification = model.MatchClass(class)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list review entries iterate")
}

func (s *PostgresStore) SaveArticle(ctx context.Context, article *model.Article) error {
	if article.ID == "" {
		article.ID = uuid.New().String()
	}
	if article.CreatedAt.IsZero() {
		article.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO articles (id, url, title, text, source, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET url = excluded.url, title = excluded.title,
		        text = excluded.text, source = excluded.source, published_at = excluded.published_at`,
		article.ID, article.URL, article.Title, article.Text, article.Source,
		article.PublishedAt, article.CreatedAt,
	)
	return eris.Wrap(err, "postgres: save article")
}

func (s *PostgresStore) GetArticle(ctx context.Context, articleID string) (*model.Article, error) {
	var a model.Article
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, title, text, source, published_at, created_at FROM articles WHERE id = $1`,
		articleID,
	).Scan(&a.ID, &a.URL, &a.Title, &a.Text, &a.Source, &a.PublishedAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "article %s", articleID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get article %s", articleID)
	}
	return &a, nil
}

func (s *PostgresStore) ListUnprocessedArticles(ctx context.Context, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.url, a.title, a.text, a.source, a.published_at, a.created_at
		 FROM articles a
		 WHERE NOT EXISTS (SELECT 1 FROM runs r WHERE r.article_id = a.id)
		 ORDER BY a.created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unprocessed articles")
	}
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		var a model.Article
		if err := rows.Scan(&a.ID, &a.URL, &a.Title, &a.Text, &a.Source, &a.PublishedAt, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan article")
		}
		articles = append(articles, a)
	}
	return articles, eris.Wrap(rows.Err(), "postgres: list unprocessed iterate")
}

func (s *PostgresStore) Stats(ctx context.Context, since time.Time) (*RunStats, error) {
	stats := &RunStats{
		ByStatus: map[model.RunStatus]int{},
		ByReason: map[model.TerminationReason]int{},
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COALESCE(reason, ''), COUNT(*), SUM(input_tokens), SUM(output_tokens)
		 FROM runs WHERE created_at >= $1 GROUP BY status, reason`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run stats")
	}
	defer rows.Close()

	for rows.Next() {
		var status, reason string
		var count int
		var in, out int64
		if err := rows.Scan(&status, &reason, &count, &in, &out); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stats")
		}
		stats.Total += count
		stats.ByStatus[model.RunStatus(status)] += count
		if reason != "" {
			stats.ByReason[model.TerminationReason(reason)] += count
		}
		stats.Usage.Add(model.TokenUsage{InputTokens: in, OutputTokens: out})
	}
	return stats, eris.Wrap(rows.Err(), "postgres: stats iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var currentStep, reason, errMsg *string

	err := row.Scan(
		&r.ID, &r.ArticleID, &r.TraceID, &r.Status, &currentStep, &reason, &errMsg,
		&r.Usage.InputTokens, &r.Usage.OutputTokens, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if currentStep != nil {
		r.CurrentStep = model.Step(*currentStep)
	}
	if reason != nil {
		r.Reason = model.TerminationReason(*reason)
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return &r, nil
}
