// Package sqlstore implements the Shared Store: the cross-process
// persistence backend materialised over a relational schema (see
// internal/migrate). Job claims and guarded job updates are
// single-statement conditional UPDATEs, and lock acquisition runs its
// stale-lock delete, read and INSERT ... ON CONFLICT upsert inside one
// transaction, so correctness does not depend on the caller's in-process
// mutex.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"nervecenter/internal/domain"
	"nervecenter/internal/store"
)

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func (s *Store) ResolveProject(ctx context.Context, name, owner string) (domain.Project, error) {
	var p domain.Project
	err := s.DB.QueryRowContext(ctx, `SELECT id,name,owner_id,created_at FROM projects WHERE name=? AND owner_id=?`, name, owner).
		Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return p, fmt.Errorf("resolve project: %w", err)
	}
	p = domain.Project{ID: uuid.NewString(), Name: name, OwnerID: owner, CreatedAt: fmtTime(time.Now())}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO projects(id,name,owner_id,live_notepad,created_at) VALUES (?,?,?,'',?)`,
		p.ID, p.Name, p.OwnerID, p.CreatedAt)
	if err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *Store) InsertJob(ctx context.Context, j store.NewJob) (domain.Job, error) {
	deps, err := json.Marshal(j.Dependencies)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal dependencies: %w", err)
	}
	now := fmtTime(j.CreatedAt)
	out := domain.Job{
		ID: j.ID, ProjectID: j.ProjectID, Title: j.Title, Description: j.Description,
		Priority: j.Priority, Status: domain.JobTodo, Dependencies: j.Dependencies,
		CompletionKey: j.CompletionKey, CreatedAt: now, UpdatedAt: now,
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO jobs(id,project_id,title,description,priority,status,assigned_to,dependencies_json,completion_key,cancel_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,NULL,?,?,'',?,?)`, j.ID, j.ProjectID, j.Title, j.Description, j.Priority, domain.JobTodo, string(deps), j.CompletionKey, now, now)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return out, nil
}

func scanJob(row interface {
	Scan(dest ...any) error
}) (domain.Job, error) {
	var j domain.Job
	var assignedTo sql.NullString
	var deps string
	err := row.Scan(&j.ID, &j.ProjectID, &j.Title, &j.Description, &j.Priority, &j.Status,
		&assignedTo, &deps, &j.CompletionKey, &j.CancelReason, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, store.ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if assignedTo.Valid {
		j.AssignedTo = &assignedTo.String
	}
	if deps != "" {
		_ = json.Unmarshal([]byte(deps), &j.Dependencies)
	}
	return j, nil
}

const jobColumns = `id,project_id,title,description,priority,status,assigned_to,dependencies_json,completion_key,cancel_reason,created_at,updated_at`

func (s *Store) GetJob(ctx context.Context, projectID, jobID string) (domain.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE project_id=? AND id=?`, projectID, jobID)
	return scanJob(row)
}

func (s *Store) SelectProjectJobs(ctx context.Context, projectID string) ([]domain.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ConditionalClaimJob claims a job by conditional update gated on
// status='todo' only; dependency gating is done by the engine's candidate
// scan: the caller already picked this job as the best candidate, so this
// call only needs to fail safely if someone beat it to the row.
func (s *Store) ConditionalClaimJob(ctx context.Context, projectID, jobID, agentID string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status=?, assigned_to=?, updated_at=? WHERE project_id=? AND id=? AND status='todo'`,
		domain.JobInProgress, agentID, fmtTime(now), projectID, jobID)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrAlreadyTaken
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, projectID, jobID string, fields store.JobUpdate, pre store.JobPrecondition, now time.Time) (domain.Job, error) {
	var sets []string
	var args []any
	if fields.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, *fields.Status)
	}
	if fields.AssignedTo != nil {
		sets = append(sets, "assigned_to=?")
		args = append(args, nullable(*fields.AssignedTo))
	}
	if fields.Priority != nil {
		sets = append(sets, "priority=?")
		args = append(args, *fields.Priority)
	}
	if fields.CancelReason != nil {
		sets = append(sets, "cancel_reason=?")
		args = append(args, *fields.CancelReason)
	}
	sets = append(sets, "updated_at=?")
	args = append(args, fmtTime(now))

	where := "WHERE project_id=? AND id=?"
	args = append(args, projectID, jobID)
	if pre.Status != nil {
		where += " AND status=?"
		args = append(args, *pre.Status)
	}
	query := fmt.Sprintf(`UPDATE jobs SET %s %s`, strings.Join(sets, ","), where)
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, err
	}
	if n == 0 {
		if pre.Status != nil {
			return domain.Job{}, store.ErrConflict
		}
		return domain.Job{}, store.ErrNotFound
	}
	return s.GetJob(ctx, projectID, jobID)
}

func (s *Store) DeleteTerminalJobs(ctx context.Context, projectID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM jobs WHERE project_id=? AND status IN ('done','cancelled')`, projectID)
	return err
}

func (s *Store) UpsertLock(ctx context.Context, projectID, filePath, agentID, intent, prompt string, now time.Time, ttl time.Duration) (bool, domain.Lock, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.Lock{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE project_id=? AND file_path=? AND ? - CAST(strftime('%s', updated_at) AS INTEGER) > ?`,
		projectID, filePath, now.Unix(), int64(ttl.Seconds())); err != nil {
		return false, domain.Lock{}, fmt.Errorf("reclaim stale lock: %w", err)
	}

	var current domain.Lock
	err = tx.QueryRowContext(ctx, `SELECT project_id,file_path,agent_id,intent,user_prompt,created_at,updated_at FROM locks WHERE project_id=? AND file_path=?`,
		projectID, filePath).Scan(&current.ProjectID, &current.FilePath, &current.AgentID, &current.Intent, &current.UserPrompt, &current.CreatedAt, &current.UpdatedAt)
	if err != nil && err != sql.ErrNoRows {
		return false, domain.Lock{}, fmt.Errorf("read lock: %w", err)
	}
	if err == nil && current.AgentID != agentID {
		return false, current, tx.Commit()
	}

	ts := fmtTime(now)
	created := ts
	if err == nil {
		created = current.CreatedAt
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO locks(project_id,file_path,agent_id,intent,user_prompt,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id,file_path) DO UPDATE SET agent_id=excluded.agent_id, intent=excluded.intent, user_prompt=excluded.user_prompt, updated_at=excluded.updated_at`,
		projectID, filePath, agentID, intent, prompt, ts, ts)
	if err != nil {
		return false, domain.Lock{}, fmt.Errorf("upsert lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, domain.Lock{}, err
	}
	granted := domain.Lock{ProjectID: projectID, FilePath: filePath, AgentID: agentID, Intent: intent, UserPrompt: prompt, CreatedAt: created, UpdatedAt: ts}
	return true, granted, nil
}

func (s *Store) SelectProjectLocks(ctx context.Context, projectID string, now time.Time, ttl time.Duration) ([]domain.Lock, error) {
	if err := s.ReclaimStaleLocks(ctx, projectID, now, ttl); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT project_id,file_path,agent_id,intent,user_prompt,created_at,updated_at FROM locks WHERE project_id=? ORDER BY updated_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Lock
	for rows.Next() {
		var l domain.Lock
		if err := rows.Scan(&l.ProjectID, &l.FilePath, &l.AgentID, &l.Intent, &l.UserPrompt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) DeleteLock(ctx context.Context, projectID, filePath string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM locks WHERE project_id=? AND file_path=?`, projectID, filePath)
	return err
}

func (s *Store) ForceDeleteLock(ctx context.Context, projectID, filePath string) error {
	return s.DeleteLock(ctx, projectID, filePath)
}

func (s *Store) ReclaimStaleLocks(ctx context.Context, projectID string, now time.Time, ttl time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM locks WHERE project_id=? AND ? - CAST(strftime('%s', updated_at) AS INTEGER) > ?`,
		projectID, now.Unix(), int64(ttl.Seconds()))
	return err
}

func (s *Store) DeleteProjectLocks(ctx context.Context, projectID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM locks WHERE project_id=?`, projectID)
	return err
}

func (s *Store) ReadNotepad(ctx context.Context, projectID string) (string, error) {
	var text string
	err := s.DB.QueryRowContext(ctx, `SELECT live_notepad FROM projects WHERE id=?`, projectID).Scan(&text)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	return text, err
}

func (s *Store) AppendNotepad(ctx context.Context, projectID, line string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE projects SET live_notepad = live_notepad || ? WHERE id=?`, line, projectID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ResetNotepad(ctx context.Context, projectID, marker string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE projects SET live_notepad=? WHERE id=?`, marker, projectID)
	return err
}

func (s *Store) ArchiveSession(ctx context.Context, projectID, title, summary, full string, now time.Time) (string, string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO sessions(id,project_id,title,summary,content,created_at) VALUES (?,?,?,?,?,?)`,
		id, projectID, title, summary, full, fmtTime(now))
	if err != nil {
		return "", "", fmt.Errorf("archive session: %w", err)
	}
	return id, fmt.Sprintf("sessions/%s", id), nil
}

func (s *Store) InsertEmbedding(ctx context.Context, e domain.Embedding) error {
	vec, err := json.Marshal(e.Vector)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO embeddings(id,project_id,content,embedding_json,metadata,created_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.Content, string(vec), e.Metadata, e.CreatedAt)
	return err
}

func (s *Store) SearchEmbeddings(ctx context.Context, projectID string, query []float32, limit int) ([]domain.Embedding, []float32, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,project_id,content,embedding_json,metadata,created_at FROM embeddings WHERE project_id=?`, projectID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var candidates []domain.Embedding
	var scores []float32
	for rows.Next() {
		var e domain.Embedding
		var vec string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Content, &vec, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, nil, err
		}
		_ = json.Unmarshal([]byte(vec), &e.Vector)
		candidates = append(candidates, e)
		scores = append(scores, cosine(query, e.Vector))
	}
	return topK(candidates, scores, limit)
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func topK(candidates []domain.Embedding, scores []float32, k int) ([]domain.Embedding, []float32, error) {
	type pair struct {
		e domain.Embedding
		s float32
	}
	pairs := make([]pair, len(candidates))
	for i := range candidates {
		pairs[i] = pair{candidates[i], scores[i]}
	}
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].s > pairs[i].s {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}
	if k > 0 && k < len(pairs) {
		pairs = pairs[:k]
	}
	out := make([]domain.Embedding, len(pairs))
	outScores := make([]float32, len(pairs))
	for i, p := range pairs {
		out[i] = p.e
		outScores[i] = p.s
	}
	return out, outScores, nil
}

func (s *Store) InsertAPIKey(ctx context.Context, k domain.APIKey) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.ActorID, k.Name, k.KeyHash, k.CreatedAt)
	return err
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var k domain.APIKey
	err := s.DB.QueryRowContext(ctx, `SELECT id,actor_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`, hash).
		Scan(&k.ID, &k.ActorID, &k.Name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, store.ErrNotFound
	}
	return k, err
}

var _ store.Store = (*Store)(nil)
