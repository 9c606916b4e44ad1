package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/ugcreach/engage/internal/agent"
	"github.com/ugcreach/engage/internal/index"
	"github.com/ugcreach/engage/internal/scoring"
	"github.com/ugcreach/engage/internal/workflow"
)

func TestListUserRecordsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	criteria := agent.Criteria{
		Sentiments:      []string{"positive"},
		RequireUnmet:    true,
		ExcludeVisited:  true,
		MinInteractions: 1,
		Limit:           50,
	}

	query := regexp.QuoteMeta(`
SELECT user_id, nickname, sentiment, unmet_need, COALESCE(unmet_desc,''), visited, aips_tier, interaction_count, notes_engaged, last_activity
FROM user_records
WHERE sentiment = ANY($1) AND unmet_need = TRUE AND visited = 'no' AND interaction_count >= $2
ORDER BY last_activity DESC
LIMIT $3`)

	lastActivity := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"user_id", "nickname", "sentiment", "unmet_need", "unmet_desc", "visited", "aips_tier", "interaction_count", "notes_engaged", "last_activity"}).
		AddRow("u1", "alice", "positive", true, "looking for alternatives", "no", "A", 4, pq.Array([]string{"n1", "n2"}), lastActivity)

	mock.ExpectQuery(query).
		WithArgs(pq.Array(criteria.Sentiments), criteria.MinInteractions, criteria.Limit).
		WillReturnRows(rows)

	recs, err := st.ListUserRecords(context.Background(), criteria)
	if err != nil {
		t.Fatalf("ListUserRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].UserID != "u1" || !recs[0].UnmetNeed || recs[0].InteractionCount != 4 {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	if len(recs[0].NotesEngaged) != 2 {
		t.Fatalf("expected 2 notes, got %v", recs[0].NotesEngaged)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertUserRecordRequiresID(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if err := st.UpsertUserRecord(context.Background(), scoring.UserRecord{}); err == nil {
		t.Fatal("expected error for missing user_id")
	}
}

func TestSaveDocument(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	snapshotAt := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	indexedAt := snapshotAt.Add(time.Hour)
	doc := index.IndexedDocument{
		SourceType:  index.SourceComment,
		SourceID:    "c1",
		Content:     "any recs for sensitive skin?",
		ContentHash: "abc123",
		Vector:      []float32{0.1, 0.2},
		SnapshotAt:  snapshotAt,
		IndexedAt:   indexedAt,
	}

	query := regexp.QuoteMeta(`
INSERT INTO indexed_documents (source_type, source_id, content, content_hash, embedding, snapshot_at, indexed_at)
VALUES ($1,$2,$3,$4,$5::vector,$6,$7)
ON CONFLICT (source_type, source_id) DO UPDATE SET
  content = EXCLUDED.content,
  content_hash = EXCLUDED.content_hash,
  embedding = EXCLUDED.embedding,
  snapshot_at = EXCLUDED.snapshot_at,
  indexed_at = EXCLUDED.indexed_at;
`)
	mock.ExpectExec(query).
		WithArgs("comment", "c1", doc.Content, doc.ContentHash, "[0.1,0.2]", snapshotAt, indexedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveDocument(context.Background(), doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListDocumentsDecodesVectors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	snapshotAt := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)

	query := regexp.QuoteMeta(`
SELECT source_type, source_id, content, content_hash, embedding::text, snapshot_at, indexed_at
FROM indexed_documents
ORDER BY source_type, source_id`)
	rows := sqlmock.NewRows([]string{"source_type", "source_id", "content", "content_hash", "embedding", "snapshot_at", "indexed_at"}).
		AddRow("note", "n7", "ingredient breakdown", "hash-n7", "[0.5,-0.25,1]", snapshotAt, snapshotAt)
	mock.ExpectQuery(query).WillReturnRows(rows)

	docs, err := st.ListDocuments(context.Background())
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	if docs[0].SourceType != index.SourceNote || docs[0].SourceID != "n7" {
		t.Fatalf("unexpected document key: %s", docs[0].Key())
	}
	want := []float32{0.5, -0.25, 1}
	if len(docs[0].Vector) != len(want) {
		t.Fatalf("vector length: got %d want %d", len(docs[0].Vector), len(want))
	}
	for i := range want {
		if docs[0].Vector[i] != want[i] {
			t.Fatalf("vector[%d]: got %v want %v", i, docs[0].Vector[i], want[i])
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRunLifecyclePersistence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	createQuery := regexp.QuoteMeta(`
INSERT INTO workflow_runs (id, status, params, flags, created_at)
VALUES ($1,$2,$3,$4,NOW())`)
	mock.ExpectExec(createQuery).
		WithArgs("run-1", "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := workflow.Request{
		Params: map[string]interface{}{"campaign": "launch"},
		Flags:  map[string]bool{"ai_enhance": true},
	}
	if err := st.CreateRun(context.Background(), "run-1", req); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	finishQuery := regexp.QuoteMeta(`
UPDATE workflow_runs SET status=$2, result_state=$3, error=$4, finished_at=NOW() WHERE id=$1`)
	mock.ExpectExec(finishQuery).
		WithArgs("run-1", "completed", sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	state := workflow.State{"summary": "done"}
	if err := st.FinishRun(context.Background(), "run-1", workflow.RunCompleted, state, ""); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveNodeResultUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	started := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	res := workflow.NodeResult{
		NodeName:     "analysis",
		Status:       workflow.NodeOK,
		PartialState: workflow.State{"high_value_users": []string{"u1"}},
		StartedAt:    started,
		EndedAt:      started.Add(2 * time.Second),
	}

	query := regexp.QuoteMeta(`
INSERT INTO workflow_node_results (run_id, node_name, status, partial_state, error, started_at, ended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (run_id, node_name) DO UPDATE SET
  status = EXCLUDED.status,
  partial_state = EXCLUDED.partial_state,
  error = EXCLUDED.error,
  started_at = EXCLUDED.started_at,
  ended_at = EXCLUDED.ended_at;
`)
	mock.ExpectExec(query).
		WithArgs("run-1", "analysis", "ok", sqlmock.AnyArg(), "", started, res.EndedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveNodeResult(context.Background(), "run-1", res); err != nil {
		t.Fatalf("SaveNodeResult: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT id, status, params, flags, result_state, error, created_at, finished_at
FROM workflow_runs WHERE id=$1`)
	mock.ExpectQuery(query).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, ok, err := st.GetRun(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if ok {
		t.Fatal("expected run to be absent")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveNodeOutputUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
INSERT INTO node_outputs (run_id, node_name, payload, created_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (run_id, node_name) DO UPDATE SET
  payload = EXCLUDED.payload,
  created_at = NOW();
`)
	mock.ExpectExec(query).
		WithArgs("run-1", "coordination", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := map[string]interface{}{"summary": "5 drafts generated"}
	if err := st.SaveNodeOutput(context.Background(), "run-1", "coordination", payload); err != nil {
		t.Fatalf("SaveNodeOutput: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	lit, err := encodeVectorLiteral([]float32{0.25, -1, 3.5})
	if err != nil {
		t.Fatalf("encodeVectorLiteral: %v", err)
	}
	if lit != "[0.25,-1,3.5]" {
		t.Fatalf("unexpected literal: %s", lit)
	}
	vec, err := decodeVectorLiteral(lit)
	if err != nil {
		t.Fatalf("decodeVectorLiteral: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.25 || vec[1] != -1 || vec[2] != 3.5 {
		t.Fatalf("unexpected vector: %v", vec)
	}
	if _, err := decodeVectorLiteral("[]"); err == nil {
		t.Fatal("expected error for empty literal")
	}
}
