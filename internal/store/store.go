package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ugcreach/engage/internal/agent"
	"github.com/ugcreach/engage/internal/index"
	"github.com/ugcreach/engage/internal/scoring"
	"github.com/ugcreach/engage/internal/workflow"
)

// Store is the Postgres-backed persistence layer. It serves user records to
// the analysis node, vectors to the retrieval index, and run bookkeeping to
// the workflow engine.
type Store struct {
	DB *sql.DB
}

// New builds a Store from DATABASE_URL or the POSTGRES_* environment.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// ListUserRecords returns aggregated engagement records matching the criteria.
// Filtering that the scorer also applies in-process (sentiment, visited,
// minimum interactions) is pushed down here so candidate sets stay small.
func (s *Store) ListUserRecords(ctx context.Context, criteria agent.Criteria) ([]scoring.UserRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	if len(criteria.Sentiments) > 0 {
		args = append(args, pq.Array(criteria.Sentiments))
		conds = append(conds, fmt.Sprintf("sentiment = ANY($%d)", len(args)))
	}
	if criteria.RequireUnmet {
		conds = append(conds, "unmet_need = TRUE")
	}
	if criteria.ExcludeVisited {
		conds = append(conds, "visited = 'no'")
	}
	if criteria.MinInteractions > 0 {
		args = append(args, criteria.MinInteractions)
		conds = append(conds, fmt.Sprintf("interaction_count >= $%d", len(args)))
	}
	q := `
SELECT user_id, nickname, sentiment, unmet_need, COALESCE(unmet_desc,''), visited, aips_tier, interaction_count, notes_engaged, last_activity
FROM user_records`
	if len(conds) > 0 {
		q += "\nWHERE " + strings.Join(conds, " AND ")
	}
	q += "\nORDER BY last_activity DESC"
	if criteria.Limit > 0 {
		args = append(args, criteria.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []scoring.UserRecord
	for rows.Next() {
		var rec scoring.UserRecord
		if err := rows.Scan(&rec.UserID, &rec.Nickname, &rec.Sentiment, &rec.UnmetNeed, &rec.UnmetDesc, &rec.Visited, &rec.AIPSTier, &rec.InteractionCount, pq.Array(&rec.NotesEngaged), &rec.LastActivity); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpsertUserRecord stores or refreshes one aggregated engagement record.
func (s *Store) UpsertUserRecord(ctx context.Context, rec scoring.UserRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("user_id required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO user_records (user_id, nickname, sentiment, unmet_need, unmet_desc, visited, aips_tier, interaction_count, notes_engaged, last_activity, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
ON CONFLICT (user_id) DO UPDATE SET
  nickname = EXCLUDED.nickname,
  sentiment = EXCLUDED.sentiment,
  unmet_need = EXCLUDED.unmet_need,
  unmet_desc = EXCLUDED.unmet_desc,
  visited = EXCLUDED.visited,
  aips_tier = EXCLUDED.aips_tier,
  interaction_count = EXCLUDED.interaction_count,
  notes_engaged = EXCLUDED.notes_engaged,
  last_activity = EXCLUDED.last_activity,
  updated_at = NOW();
`, rec.UserID, rec.Nickname, rec.Sentiment, rec.UnmetNeed, rec.UnmetDesc, rec.Visited, rec.AIPSTier, rec.InteractionCount, pq.Array(rec.NotesEngaged), rec.LastActivity)
	return err
}

// MarkVisited flips a user's visited flag after an outreach touch.
func (s *Store) MarkVisited(ctx context.Context, userID string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE user_records SET visited='yes', updated_at=NOW() WHERE user_id=$1`, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SaveDocument upserts one embedded document keyed by (source_type, source_id).
func (s *Store) SaveDocument(ctx context.Context, doc index.IndexedDocument) error {
	if doc.SourceID == "" {
		return fmt.Errorf("source_id required")
	}
	vecLiteral, err := encodeVectorLiteral(doc.Vector)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO indexed_documents (source_type, source_id, content, content_hash, embedding, snapshot_at, indexed_at)
VALUES ($1,$2,$3,$4,$5::vector,$6,$7)
ON CONFLICT (source_type, source_id) DO UPDATE SET
  content = EXCLUDED.content,
  content_hash = EXCLUDED.content_hash,
  embedding = EXCLUDED.embedding,
  snapshot_at = EXCLUDED.snapshot_at,
  indexed_at = EXCLUDED.indexed_at;
`, string(doc.SourceType), doc.SourceID, doc.Content, doc.ContentHash, vecLiteral, doc.SnapshotAt, doc.IndexedAt)
	return err
}

// ListDocuments loads every embedded document, used to warm the in-memory index.
func (s *Store) ListDocuments(ctx context.Context) ([]index.IndexedDocument, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT source_type, source_id, content, content_hash, embedding::text, snapshot_at, indexed_at
FROM indexed_documents
ORDER BY source_type, source_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []index.IndexedDocument
	for rows.Next() {
		var (
			doc        index.IndexedDocument
			sourceType string
			vecLiteral string
		)
		if err := rows.Scan(&sourceType, &doc.SourceID, &doc.Content, &doc.ContentHash, &vecLiteral, &doc.SnapshotAt, &doc.IndexedAt); err != nil {
			return nil, err
		}
		doc.SourceType = index.SourceType(sourceType)
		vec, err := decodeVectorLiteral(vecLiteral)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.Key(), err)
		}
		doc.Vector = vec
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CreateRun records a new workflow run before execution starts.
func (s *Store) CreateRun(ctx context.Context, runID string, req workflow.Request) error {
	params, err := json.Marshal(req.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	flags, err := json.Marshal(req.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO workflow_runs (id, status, params, flags, created_at)
VALUES ($1,$2,$3,$4,NOW())`, runID, string(workflow.RunPending), params, flags)
	return err
}

// FinishRun stores the terminal status, final state and error of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, status workflow.RunStatus, state workflow.State, errMsg string) error {
	var stateBytes []byte
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		stateBytes = b
	}
	var errArg interface{}
	if errMsg != "" {
		errArg = errMsg
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE workflow_runs SET status=$2, result_state=$3, error=$4, finished_at=NOW() WHERE id=$1`,
		runID, string(status), stateBytes, errArg)
	return err
}

// SaveNodeResult upserts one node's trace entry for a run. Replays of the
// same (run, node) pair overwrite rather than duplicate.
func (s *Store) SaveNodeResult(ctx context.Context, runID string, res workflow.NodeResult) error {
	var partial []byte
	if res.PartialState != nil {
		b, err := json.Marshal(res.PartialState)
		if err != nil {
			return fmt.Errorf("marshal partial state: %w", err)
		}
		partial = b
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO workflow_node_results (run_id, node_name, status, partial_state, error, started_at, ended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (run_id, node_name) DO UPDATE SET
  status = EXCLUDED.status,
  partial_state = EXCLUDED.partial_state,
  error = EXCLUDED.error,
  started_at = EXCLUDED.started_at,
  ended_at = EXCLUDED.ended_at;
`, runID, res.NodeName, string(res.Status), partial, res.Error, res.StartedAt, res.EndedAt)
	return err
}

// RunRecord is a persisted workflow run row.
type RunRecord struct {
	ID         string                 `json:"id"`
	Status     string                 `json:"status"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Flags      map[string]bool        `json:"flags,omitempty"`
	State      map[string]interface{} `json:"result_state,omitempty"`
	Error      string                 `json:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// GetRun loads one run row by id.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	var (
		rec        RunRecord
		params     []byte
		flags      []byte
		state      []byte
		errMsg     sql.NullString
		finishedAt sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, status, params, flags, result_state, error, created_at, finished_at
FROM workflow_runs WHERE id=$1`, runID).
		Scan(&rec.ID, &rec.Status, &params, &flags, &state, &errMsg, &rec.CreatedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &rec.Params)
	}
	if len(flags) > 0 {
		_ = json.Unmarshal(flags, &rec.Flags)
	}
	if len(state) > 0 {
		_ = json.Unmarshal(state, &rec.State)
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return rec, true, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, status, error, created_at, finished_at
FROM workflow_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []RunRecord
	for rows.Next() {
		var (
			rec        RunRecord
			errMsg     sql.NullString
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Status, &errMsg, &rec.CreatedAt, &finishedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			rec.FinishedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListNodeResults returns the persisted trace for one run in execution order.
func (s *Store) ListNodeResults(ctx context.Context, runID string) ([]workflow.NodeResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT node_name, status, partial_state, COALESCE(error,''), started_at, ended_at
FROM workflow_node_results WHERE run_id=$1 ORDER BY started_at, node_name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []workflow.NodeResult
	for rows.Next() {
		var (
			res     workflow.NodeResult
			status  string
			partial []byte
		)
		if err := rows.Scan(&res.NodeName, &status, &partial, &res.Error, &res.StartedAt, &res.EndedAt); err != nil {
			return nil, err
		}
		res.Status = workflow.NodeStatus(status)
		if len(partial) > 0 {
			_ = json.Unmarshal(partial, &res.PartialState)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// SaveNodeOutput upserts a node's structured output payload for a run.
func (s *Store) SaveNodeOutput(ctx context.Context, runID, nodeName string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO node_outputs (run_id, node_name, payload, created_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (run_id, node_name) DO UPDATE SET
  payload = EXCLUDED.payload,
  created_at = NOW();
`, runID, nodeName, b)
	return err
}

// GetNodeOutput loads one node's stored output payload for a run.
func (s *Store) GetNodeOutput(ctx context.Context, runID, nodeName string) (map[string]interface{}, bool, error) {
	var b []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT payload FROM node_outputs WHERE run_id=$1 AND node_name=$2`, runID, nodeName).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, false, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, true, nil
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component: %w", err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
