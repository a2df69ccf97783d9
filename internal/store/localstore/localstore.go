// Package localstore implements the Local Store: single-process state held
// in memory and flushed in full to one JSON file after every mutation. A
// process mutex serialises writes. The file holds every project the store
// knows: its top level is {projects, api_keys}, and each project entry
// carries its own {project, locks, jobs, live_notepad, sessions,
// embeddings}; locks, jobs and live_notepad are not top-level keys.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nervecenter/internal/domain"
	"nervecenter/internal/store"
)

type projectState struct {
	Project  domain.Project           `json:"project"`
	Locks    map[string]domain.Lock   `json:"locks"`
	Jobs     map[string]domain.Job    `json:"jobs"`
	Notepad  string                   `json:"live_notepad"`
	Sessions []domain.SessionArchive  `json:"sessions"`
	Embeds   map[string]domain.Embedding `json:"embeddings"`
}

func newProjectState(p domain.Project) *projectState {
	return &projectState{
		Project: p,
		Locks:   map[string]domain.Lock{},
		Jobs:    map[string]domain.Job{},
		Embeds:  map[string]domain.Embedding{},
	}
}

type fileLayout struct {
	Projects map[string]*projectState `json:"projects"`
	APIKeys  map[string]domain.APIKey `json:"api_keys"`
}

// Store is the Local Store. StatePath is the single JSON file all state is
// flushed to; HistoryDir is where finalize_session writes archive
// Markdown files.
type Store struct {
	mu         sync.Mutex
	StatePath  string
	HistoryDir string
	data       fileLayout
}

func New(statePath, historyDir string) (*Store, error) {
	s := &Store{StatePath: statePath, HistoryDir: historyDir}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.data = fileLayout{Projects: map[string]*projectState{}, APIKeys: map[string]domain.APIKey{}}
	data, err := os.ReadFile(s.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.data); err != nil {
		return fmt.Errorf("parse state file: %w", err)
	}
	if s.data.Projects == nil {
		s.data.Projects = map[string]*projectState{}
	}
	if s.data.APIKeys == nil {
		s.data.APIKeys = map[string]domain.APIKey{}
	}
	return nil
}

// flush rewrites the entire state file. Called with mu held.
func (s *Store) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.StatePath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return os.Rename(tmp, s.StatePath)
}

func (s *Store) project(id string) (*projectState, error) {
	p, ok := s.data.Projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func (s *Store) ResolveProject(ctx context.Context, name, owner string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.data.Projects {
		if ps.Project.Name == name && ps.Project.OwnerID == owner {
			return ps.Project, nil
		}
	}
	p := domain.Project{ID: uuid.NewString(), Name: name, OwnerID: owner, CreatedAt: fmtTime(time.Now())}
	s.data.Projects[p.ID] = newProjectState(p)
	return p, s.flush()
}

func (s *Store) InsertJob(ctx context.Context, j store.NewJob) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(j.ProjectID)
	if err != nil {
		return domain.Job{}, err
	}
	now := fmtTime(j.CreatedAt)
	job := domain.Job{
		ID: j.ID, ProjectID: j.ProjectID, Title: j.Title, Description: j.Description,
		Priority: j.Priority, Status: domain.JobTodo, Dependencies: j.Dependencies,
		CompletionKey: j.CompletionKey, CreatedAt: now, UpdatedAt: now,
	}
	ps.Jobs[job.ID] = job
	return job, s.flush()
}

func (s *Store) GetJob(ctx context.Context, projectID, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return domain.Job{}, err
	}
	j, ok := ps.Jobs[jobID]
	if !ok {
		return domain.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (s *Store) SelectProjectJobs(ctx context.Context, projectID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(ps.Jobs))
	for _, j := range ps.Jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt != out[k].CreatedAt {
			return out[i].CreatedAt < out[k].CreatedAt
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (s *Store) ConditionalClaimJob(ctx context.Context, projectID, jobID, agentID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return err
	}
	j, ok := ps.Jobs[jobID]
	if !ok || j.Status != domain.JobTodo {
		return store.ErrAlreadyTaken
	}
	j.Status = domain.JobInProgress
	j.AssignedTo = &agentID
	j.UpdatedAt = fmtTime(now)
	ps.Jobs[jobID] = j
	return s.flush()
}

func (s *Store) UpdateJob(ctx context.Context, projectID, jobID string, fields store.JobUpdate, pre store.JobPrecondition, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return domain.Job{}, err
	}
	j, ok := ps.Jobs[jobID]
	if !ok {
		return domain.Job{}, store.ErrNotFound
	}
	if pre.Status != nil && j.Status != *pre.Status {
		return domain.Job{}, store.ErrConflict
	}
	if fields.Status != nil {
		j.Status = *fields.Status
	}
	if fields.AssignedTo != nil {
		if *fields.AssignedTo == "" {
			j.AssignedTo = nil
		} else {
			v := *fields.AssignedTo
			j.AssignedTo = &v
		}
	}
	if fields.Priority != nil {
		j.Priority = *fields.Priority
	}
	if fields.CancelReason != nil {
		j.CancelReason = *fields.CancelReason
	}
	j.UpdatedAt = fmtTime(now)
	ps.Jobs[jobID] = j
	return j, s.flush()
}

func (s *Store) DeleteTerminalJobs(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return err
	}
	for id, j := range ps.Jobs {
		if j.Status == domain.JobDone || j.Status == domain.JobCancelled {
			delete(ps.Jobs, id)
		}
	}
	return s.flush()
}

func (s *Store) reclaimStaleLocksLocked(ps *projectState, now time.Time, ttl time.Duration) {
	for path, l := range ps.Locks {
		updated, err := time.Parse(time.RFC3339, l.UpdatedAt)
		if err != nil || now.Sub(updated) > ttl {
			delete(ps.Locks, path)
		}
	}
}

func (s *Store) UpsertLock(ctx context.Context, projectID, filePath, agentID, intent, prompt string, now time.Time, ttl time.Duration) (bool, domain.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return false, domain.Lock{}, err
	}
	s.reclaimStaleLocksLocked(ps, now, ttl)

	if current, ok := ps.Locks[filePath]; ok && current.AgentID != agentID {
		return false, current, nil
	}
	ts := fmtTime(now)
	existing, exists := ps.Locks[filePath]
	created := ts
	if exists {
		created = existing.CreatedAt
	}
	l := domain.Lock{ProjectID: projectID, FilePath: filePath, AgentID: agentID, Intent: intent, UserPrompt: prompt, CreatedAt: created, UpdatedAt: ts}
	ps.Locks[filePath] = l
	return true, l, s.flush()
}

func (s *Store) SelectProjectLocks(ctx context.Context, projectID string, now time.Time, ttl time.Duration) ([]domain.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return nil, err
	}
	s.reclaimStaleLocksLocked(ps, now, ttl)
	out := make([]domain.Lock, 0, len(ps.Locks))
	for _, l := range ps.Locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt > out[k].UpdatedAt })
	return out, s.flush()
}

func (s *Store) DeleteLock(ctx context.Context, projectID, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return err
	}
	delete(ps.Locks, filePath)
	return s.flush()
}

func (s *Store) ForceDeleteLock(ctx context.Context, projectID, filePath string) error {
	return s.DeleteLock(ctx, projectID, filePath)
}

func (s *Store) ReclaimStaleLocks(ctx context.Context, projectID string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return err
	}
	s.reclaimStaleLocksLocked(ps, now, ttl)
	return s.flush()
}

func (s *Store) DeleteProjectLocks(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return err
	}
	ps.Locks = map[string]domain.Lock{}
	return s.flush()
}

func (s *Store) ReadNotepad(ctx context.Context, projectID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return "", err
	}
	return ps.Notepad, nil
}

func (s *Store) AppendNotepad(ctx context.Context, projectID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return err
	}
	ps.Notepad += line
	return s.flush()
}

func (s *Store) ResetNotepad(ctx context.Context, projectID, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return err
	}
	ps.Notepad = marker
	return s.flush()
}

func (s *Store) ArchiveSession(ctx context.Context, projectID, title, summary, full string, now time.Time) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return "", "", err
	}
	id := uuid.NewString()
	archive := domain.SessionArchive{ID: id, ProjectID: projectID, Title: title, Summary: summary, Content: full, CreatedAt: fmtTime(now)}
	ps.Sessions = append(ps.Sessions, archive)

	if err := os.MkdirAll(s.HistoryDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create history dir: %w", err)
	}
	fileName := fmt.Sprintf("session-%s.md", now.UTC().Format("2006-01-02T15-04-05Z"))
	path := filepath.Join(s.HistoryDir, fileName)
	body := fmt.Sprintf("# %s\n\n%s\n", title, full)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", "", fmt.Errorf("write archive file: %w", err)
	}
	if err := s.flush(); err != nil {
		return "", "", err
	}
	return id, path, nil
}

func (s *Store) InsertEmbedding(ctx context.Context, e domain.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(e.ProjectID)
	if err != nil {
		return err
	}
	ps.Embeds[e.ID] = e
	return s.flush()
}

func (s *Store) SearchEmbeddings(ctx context.Context, projectID string, query []float32, limit int) ([]domain.Embedding, []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.project(projectID)
	if err != nil {
		return nil, nil, err
	}
	type pair struct {
		e domain.Embedding
		s float32
	}
	pairs := make([]pair, 0, len(ps.Embeds))
	for _, e := range ps.Embeds {
		pairs = append(pairs, pair{e, cosineSimilarity(query, e.Vector)})
	}
	sort.Slice(pairs, func(i, k int) bool { return pairs[i].s > pairs[k].s })
	if limit > 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	out := make([]domain.Embedding, len(pairs))
	scores := make([]float32, len(pairs))
	for i, p := range pairs {
		out[i] = p.e
		scores[i] = p.s
	}
	return out, scores, nil
}

func cosineSimilarity(a, b []float32) float32 {
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

func (s *Store) InsertAPIKey(ctx context.Context, k domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.APIKeys[k.KeyHash] = k
	return s.flush()
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.data.APIKeys[hash]
	if !ok {
		return domain.APIKey{}, store.ErrNotFound
	}
	return k, nil
}

var _ store.Store = (*Store)(nil)
