package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/validate"
)

// ErrNotFound is returned when a run or stage does not exist.
var ErrNotFound = eris.New("not found")

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
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	params     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	summary    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_stages (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	started_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS batches (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	catalog_id TEXT NOT NULL,
	batch      INTEGER NOT NULL,
	read       INTEGER NOT NULL,
	normalized INTEGER NOT NULL,
	skipped    INTEGER NOT NULL,
	done_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, catalog_id, batch)
);

CREATE TABLE IF NOT EXISTS normalized_records (
	run_id           TEXT NOT NULL REFERENCES runs(id),
	catalog_id       TEXT NOT NULL,
	batch            INTEGER NOT NULL,
	seq              INTEGER NOT NULL,
	native_id        TEXT NOT NULL,
	raw_title        TEXT NOT NULL,
	title_normalized TEXT NOT NULL,
	author_surname   TEXT,
	year_point       INTEGER,
	embedding        BLOB NOT NULL,
	PRIMARY KEY (run_id, catalog_id, native_id)
);

CREATE TABLE IF NOT EXISTS skipped_records (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	catalog_id TEXT NOT NULL,
	batch      INTEGER NOT NULL,
	native_id  TEXT NOT NULL,
	row_num    INTEGER NOT NULL,
	reason     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	run_id           TEXT NOT NULL REFERENCES runs(id),
	seq              INTEGER NOT NULL,
	a_native_id      TEXT NOT NULL,
	b_native_id      TEXT NOT NULL,
	title_similarity REAL NOT NULL,
	rank             INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS judgements (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	seq          INTEGER NOT NULL,
	a_native_id  TEXT NOT NULL,
	b_native_id  TEXT NOT NULL,
	title_score  REAL NOT NULL,
	title_bucket TEXT NOT NULL,
	author_match TEXT NOT NULL,
	year_match   TEXT NOT NULL,
	tier         INTEGER NOT NULL,
	ambiguous    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS samples (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	seed       INTEGER NOT NULL,
	strata     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sample_items (
	run_id          TEXT NOT NULL REFERENCES runs(id),
	stratum         TEXT NOT NULL,
	position        INTEGER NOT NULL,
	a_native_id     TEXT NOT NULL,
	b_native_id     TEXT NOT NULL DEFAULT '',
	title_score     REAL NOT NULL DEFAULT 0,
	is_same_work    INTEGER,
	is_same_edition INTEGER,
	found_elsewhere INTEGER,
	reviewer        TEXT,
	labeled_at      DATETIME,
	PRIMARY KEY (run_id, stratum, position)
);

CREATE TABLE IF NOT EXISTS validation_reports (
	run_id    TEXT PRIMARY KEY REFERENCES runs(id),
	report    TEXT NOT NULL,
	scored_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS embeddings (
	model      TEXT NOT NULL,
	text_hash  TEXT NOT NULL,
	vector     BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (model, text_hash)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
CREATE INDEX IF NOT EXISTS idx_normalized_order ON normalized_records(run_id, catalog_id, batch, seq);
CREATE INDEX IF NOT EXISTS idx_skipped_run ON skipped_records(run_id, catalog_id);
CREATE INDEX IF NOT EXISTS idx_judgements_tier ON judgements(run_id, tier);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, params model.RunParams) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal params")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, params, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(paramsJSON), string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Status:    model.RunStatusPending,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunSummary(ctx context.Context, runID string, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET summary = ?, updated_at = ? WHERE id = ?`,
		string(summaryJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run summary %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, params, status, summary, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, params, status, summary, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
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
	defer rows.Close() //nolint:errcheck

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

// --- Stages ---

func (s *SQLiteStore) CreateStage(ctx context.Context, runID string, stage model.Stage) (*model.RunStage, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_stages (id, run_id, stage, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, string(stage), string(model.StageStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert stage for run %s", runID)
	}

	return &model.RunStage{
		ID:        id,
		RunID:     runID,
		Stage:     stage,
		Status:    model.StageStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_stages SET status = ?, result = ? WHERE id = ?`,
		string(result.Status), string(resultJSON), stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete stage %s", stageID)
	}
	return checkRowsAffected(res, "stage", stageID)
}

func (s *SQLiteStore) ListStages(ctx context.Context, runID string) ([]model.RunStage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, status, result, started_at FROM run_stages
		 WHERE run_id = ? ORDER BY started_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stages %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RunStage
	for rows.Next() {
		var st model.RunStage
		var resultJSON sql.NullString
		if err := rows.Scan(&st.ID, &st.RunID, &st.Stage, &st.Status, &resultJSON, &st.StartedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		if resultJSON.Valid {
			st.Result = &model.StageResult{}
			if err := json.Unmarshal([]byte(resultJSON.String), st.Result); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage result")
			}
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stages iterate")
}

// --- Normalization ---

func (s *SQLiteStore) SaveBatch(ctx context.Context, runID string, b Batch) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM normalized_records WHERE run_id = ? AND catalog_id = ? AND batch = ?`,
			`DELETE FROM skipped_records WHERE run_id = ? AND catalog_id = ? AND batch = ?`,
			`DELETE FROM batches WHERE run_id = ? AND catalog_id = ? AND batch = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, runID, string(b.CatalogID), b.Number); err != nil {
				return eris.Wrap(err, "sqlite: clear batch")
			}
		}

		recStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO normalized_records
			 (run_id, catalog_id, batch, seq, native_id, raw_title, title_normalized, author_surname, year_point, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare normalized insert")
		}
		defer recStmt.Close() //nolint:errcheck

		for i, r := range b.Records {
			var surname sql.NullString
			if v, ok := r.Surname(); ok {
				surname = sql.NullString{String: v, Valid: true}
			}
			var year sql.NullInt64
			if v, ok := r.Year(); ok {
				year = sql.NullInt64{Int64: int64(v), Valid: true}
			}
			if _, err := recStmt.ExecContext(ctx, runID, string(b.CatalogID), b.Number, i,
				r.NativeID, r.RawTitle, r.TitleNormalized, surname, year, encodeVector(r.Embedding)); err != nil {
				return eris.Wrapf(err, "sqlite: insert normalized record %s", r.NativeID)
			}
		}

		for _, sk := range b.Skipped {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO skipped_records (run_id, catalog_id, batch, native_id, row_num, reason) VALUES (?, ?, ?, ?, ?, ?)`,
				runID, string(b.CatalogID), b.Number, sk.NativeID, sk.Row, sk.Reason); err != nil {
				return eris.Wrap(err, "sqlite: insert skipped record")
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO batches (run_id, catalog_id, batch, read, normalized, skipped, done_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, string(b.CatalogID), b.Number, b.Read, len(b.Records), len(b.Skipped), time.Now().UTC())
		return eris.Wrap(err, "sqlite: insert batch")
	})
}

func (s *SQLiteStore) CompletedBatches(ctx context.Context, runID string, catalog model.CatalogID) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch FROM batches WHERE run_id = ? AND catalog_id = ?`, runID, string(catalog))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: completed batches")
	}
	defer rows.Close() //nolint:errcheck

	done := make(map[int]bool)
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		done[n] = true
	}
	return done, eris.Wrap(rows.Err(), "sqlite: completed batches iterate")
}

func (s *SQLiteStore) BatchStats(ctx context.Context, runID string, catalog model.CatalogID) (BatchStats, error) {
	var st BatchStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(read), 0), COALESCE(SUM(normalized), 0), COALESCE(SUM(skipped), 0)
		 FROM batches WHERE run_id = ? AND catalog_id = ?`,
		runID, string(catalog),
	).Scan(&st.Batches, &st.Read, &st.Normalized, &st.Skipped)
	return st, eris.Wrap(err, "sqlite: batch stats")
}

func (s *SQLiteStore) LoadNormalized(ctx context.Context, runID string, catalog model.CatalogID) ([]model.NormalizedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT native_id, raw_title, title_normalized, author_surname, year_point, embedding
		 FROM normalized_records WHERE run_id = ? AND catalog_id = ? ORDER BY batch, seq`,
		runID, string(catalog),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load normalized")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.NormalizedRecord
	for rows.Next() {
		r := model.NormalizedRecord{CatalogID: catalog}
		var surname sql.NullString
		var year sql.NullInt64
		var blob []byte
		if err := rows.Scan(&r.NativeID, &r.RawTitle, &r.TitleNormalized, &surname, &year, &blob); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan normalized")
		}
		if surname.Valid {
			v := surname.String
			r.AuthorSurname = &v
		}
		if year.Valid {
			v := int(year.Int64)
			r.YearPoint = &v
		}
		if r.Embedding, err = decodeVector(blob); err != nil {
			return nil, eris.Wrapf(err, "sqlite: record %s", r.NativeID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load normalized iterate")
}

func (s *SQLiteStore) LoadSkipped(ctx context.Context, runID string, catalog model.CatalogID) ([]model.SkippedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT native_id, row_num, reason FROM skipped_records
		 WHERE run_id = ? AND catalog_id = ? ORDER BY batch, row_num`,
		runID, string(catalog),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load skipped")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SkippedRecord
	for rows.Next() {
		sk := model.SkippedRecord{CatalogID: catalog}
		if err := rows.Scan(&sk.NativeID, &sk.Row, &sk.Reason); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan skipped")
		}
		out = append(out, sk)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load skipped iterate")
}

// --- Candidates and judgements ---

func (s *SQLiteStore) SaveCandidates(ctx context.Context, runID string, cands []model.Candidate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE run_id = ?`, runID); err != nil {
			return eris.Wrap(err, "sqlite: clear candidates")
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO candidates (run_id, seq, a_native_id, b_native_id, title_similarity, rank) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare candidate insert")
		}
		defer stmt.Close() //nolint:errcheck

		for i, c := range cands {
			if _, err := stmt.ExecContext(ctx, runID, i, c.ANativeID, c.BNativeID, c.TitleSimilarity, c.Rank); err != nil {
				return eris.Wrap(err, "sqlite: insert candidate")
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadCandidates(ctx context.Context, runID string) ([]model.Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a_native_id, b_native_id, title_similarity, rank FROM candidates WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load candidates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Candidate
	for rows.Next() {
		var c model.Candidate
		if err := rows.Scan(&c.ANativeID, &c.BNativeID, &c.TitleSimilarity, &c.Rank); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load candidates iterate")
}

func (s *SQLiteStore) SaveJudgements(ctx context.Context, runID string, js []model.MatchJudgement) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM judgements WHERE run_id = ?`, runID); err != nil {
			return eris.Wrap(err, "sqlite: clear judgements")
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO judgements
			 (run_id, seq, a_native_id, b_native_id, title_score, title_bucket, author_match, year_match, tier, ambiguous)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare judgement insert")
		}
		defer stmt.Close() //nolint:errcheck

		for i, j := range js {
			if _, err := stmt.ExecContext(ctx, runID, i, j.ANativeID, j.BNativeID, j.TitleScore,
				string(j.TitleBucket), j.AuthorMatch.String(), j.YearMatch.String(), int(j.Tier), j.Ambiguous); err != nil {
				return eris.Wrap(err, "sqlite: insert judgement")
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListJudgements(ctx context.Context, runID string, filter JudgementFilter) ([]model.MatchJudgement, error) {
	query := `SELECT a_native_id, b_native_id, title_score, title_bucket, author_match, year_match, tier, ambiguous
		FROM judgements WHERE run_id = ?`
	args := []any{runID}

	if filter.Tier != nil {
		query += ` AND tier = ?`
		args = append(args, int(*filter.Tier))
	}
	if filter.MinTier > model.TierRejected {
		query += ` AND tier >= ?`
		args = append(args, int(filter.MinTier))
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list judgements")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MatchJudgement
	for rows.Next() {
		var j model.MatchJudgement
		var bucket, author, year string
		var tier int
		if err := rows.Scan(&j.ANativeID, &j.BNativeID, &j.TitleScore, &bucket, &author, &year, &tier, &j.Ambiguous); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan judgement")
		}
		j.TitleBucket = model.TitleBucket(bucket)
		j.Tier = model.Tier(tier)
		if j.AuthorMatch, err = model.ParseTernary(author); err != nil {
			return nil, err
		}
		if j.YearMatch, err = model.ParseTernary(year); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list judgements iterate")
}

// --- Validation ---

func (s *SQLiteStore) SaveSample(ctx context.Context, draw *validate.Draw) error {
	strataJSON, err := json.Marshal(draw.Strata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal strata")
	}
	sample := draw.Sample

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM sample_items WHERE run_id = ?`,
			`DELETE FROM samples WHERE run_id = ?`,
			`DELETE FROM validation_reports WHERE run_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, sample.RunID); err != nil {
				return eris.Wrap(err, "sqlite: clear sample")
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO samples (run_id, seed, strata, created_at) VALUES (?, ?, ?, ?)`,
			sample.RunID, sample.Seed, string(strataJSON), sample.CreatedAt); err != nil {
			return eris.Wrap(err, "sqlite: insert sample")
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO sample_items (run_id, stratum, position, a_native_id, b_native_id, title_score) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare sample item insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, it := range sample.Items {
			if _, err := stmt.ExecContext(ctx, sample.RunID, it.Stratum, it.Position, it.ANativeID, it.BNativeID, it.TitleScore); err != nil {
				return eris.Wrap(err, "sqlite: insert sample item")
			}
		}
		return setLabels(ctx, tx, sample.RunID, sample.Items)
	})
}

func (s *SQLiteStore) LoadSample(ctx context.Context, runID string) (*validate.Draw, error) {
	d := &validate.Draw{Sample: &model.ValidationSample{RunID: runID}}

	var strataJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT seed, strata, created_at FROM samples WHERE run_id = ?`, runID,
	).Scan(&d.Sample.Seed, &strataJSON, &d.Sample.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: sample for run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load sample")
	}
	if err := json.Unmarshal([]byte(strataJSON), &d.Strata); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal strata")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stratum, position, a_native_id, b_native_id, title_score,
		        is_same_work, is_same_edition, found_elsewhere, reviewer, labeled_at
		 FROM sample_items WHERE run_id = ? ORDER BY rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load sample items")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		it := model.SampleItem{RunID: runID}
		var work, edition, elsewhere sql.NullBool
		var reviewer sql.NullString
		var labeledAt sql.NullTime
		if err := rows.Scan(&it.Stratum, &it.Position, &it.ANativeID, &it.BNativeID, &it.TitleScore,
			&work, &edition, &elsewhere, &reviewer, &labeledAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sample item")
		}
		if labeledAt.Valid {
			it.Label = &model.Label{
				IsSameWork:     work.Bool,
				IsSameEdition:  edition.Bool,
				FoundElsewhere: elsewhere.Bool,
				Reviewer:       reviewer.String,
				LabeledAt:      labeledAt.Time,
			}
		}
		d.Sample.Items = append(d.Sample.Items, it)
	}
	return d, eris.Wrap(rows.Err(), "sqlite: load sample items iterate")
}

func (s *SQLiteStore) SaveLabels(ctx context.Context, runID string, items []model.SampleItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return setLabels(ctx, tx, runID, items)
	})
}

func setLabels(ctx context.Context, tx *sql.Tx, runID string, items []model.SampleItem) error {
	for _, it := range items {
		if it.Label == nil {
			continue
		}
		l := it.Label
		res, err := tx.ExecContext(ctx,
			`UPDATE sample_items SET is_same_work = ?, is_same_edition = ?, found_elsewhere = ?, reviewer = ?, labeled_at = ?
			 WHERE run_id = ? AND stratum = ? AND position = ?`,
			l.IsSameWork, l.IsSameEdition, l.FoundElsewhere, l.Reviewer, l.LabeledAt.UTC(),
			runID, it.Stratum, it.Position)
		if err != nil {
			return eris.Wrap(err, "sqlite: update label")
		}
		if err := checkRowsAffected(res, "sample item", it.Stratum); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SaveValidationReport(ctx context.Context, report *validate.Report) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validation report")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO validation_reports (run_id, report, scored_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET report = excluded.report, scored_at = excluded.scored_at`,
		report.RunID, string(reportJSON), report.ScoredAt)
	return eris.Wrap(err, "sqlite: save validation report")
}

func (s *SQLiteStore) GetValidationReport(ctx context.Context, runID string) (*validate.Report, error) {
	var reportJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM validation_reports WHERE run_id = ?`, runID,
	).Scan(&reportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get validation report")
	}
	var r validate.Report
	if err := json.Unmarshal([]byte(reportJSON), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal validation report")
	}
	return &r, nil
}

// --- Embedding cache ---

// GetEmbeddings returns cached vectors for the keys present. Missing keys are
// absent from the result.
func (s *SQLiteStore) GetEmbeddings(ctx context.Context, modelID string, keys []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(keys))
	const chunk = 500
	for lo := 0; lo < len(keys); lo += chunk {
		part := keys[lo:min(lo+chunk, len(keys))]
		args := make([]any, 0, len(part)+1)
		args = append(args, modelID)
		for _, k := range part {
			args = append(args, k)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")

		rows, err := s.db.QueryContext(ctx,
			`SELECT text_hash, vector FROM embeddings WHERE model = ? AND text_hash IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: get embeddings")
		}
		for rows.Next() {
			var key string
			var blob []byte
			if err := rows.Scan(&key, &blob); err != nil {
				rows.Close() //nolint:errcheck
				return nil, eris.Wrap(err, "sqlite: scan embedding")
			}
			v, err := decodeVector(blob)
			if err != nil {
				rows.Close() //nolint:errcheck
				return nil, err
			}
			out[key] = v
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: get embeddings iterate")
		}
	}
	return out, nil
}

// PutEmbeddings upserts vectors.
func (s *SQLiteStore) PutEmbeddings(ctx context.Context, modelID string, vecs map[string][]float32) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO embeddings (model, text_hash, vector) VALUES (?, ?, ?)
			 ON CONFLICT(model, text_hash) DO UPDATE SET vector = excluded.vector`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare embedding upsert")
		}
		defer stmt.Close() //nolint:errcheck

		for k, v := range vecs {
			if _, err := stmt.ExecContext(ctx, modelID, k, encodeVector(v)); err != nil {
				return eris.Wrap(err, "sqlite: upsert embedding")
			}
		}
		return nil
	})
}

// helpers

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
	var paramsJSON string
	var summaryJSON sql.NullString

	err := row.Scan(&r.ID, &paramsJSON, &r.Status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(paramsJSON), &r.Params); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal params")
	}
	if summaryJSON.Valid {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}

// encodeVector packs float32 values little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, eris.Errorf("sqlite: vector blob of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
