// Package engine implements the Coordination Facade (nicknamed the "nerve
// center" by its operators): the single entry point every external
// surface calls. It holds a process-local mutex around every mutating
// operation and routes reads/writes to whichever Store implementation it
// was constructed with.
package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nervecenter/internal/config"
	"nervecenter/internal/domain"
	"nervecenter/internal/engine/errs"
	"nervecenter/internal/store"
)

// Facade is the Coordination Facade. Only one goroutine at a time may be
// inside the mutex-guarded section of a mutating method; cross-process
// correctness is delegated to the Store (conditional updates, not this
// mutex).
type Facade struct {
	Store  store.Store
	Config *config.Config
	Now    func() time.Time

	mu sync.Mutex
}

func New(st store.Store, cfg *config.Config) *Facade {
	return &Facade{Store: st, Config: cfg, Now: time.Now}
}

func (f *Facade) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Facade) ttl() time.Duration {
	if f.Config != nil {
		return f.Config.LockTTL()
	}
	return 30 * time.Minute
}

// ResolveProject resolves a textual project name + owner identity to a
// stable project id, creating the project if absent.
func (f *Facade) ResolveProject(ctx context.Context, name, owner string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errs.BadRequest("project name is required")
	}
	if owner == "" {
		owner = "local"
	}
	p, err := f.Store.ResolveProject(ctx, name, owner)
	if err != nil {
		return domain.Project{}, errs.StoreError(fmt.Sprintf("resolve project: %v", err))
	}
	return p, nil
}

const completionKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newCompletionKey() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, 8)
	for i, v := range b {
		out[i] = completionKeyAlphabet[int(v)%len(completionKeyAlphabet)]
	}
	return string(out), nil
}

// PostJobResult is returned by PostJob.
type PostJobResult struct {
	Job           domain.Job
	CompletionKey string
}

// PostJob inserts a new job in status=todo and appends a notepad line.
func (f *Facade) PostJob(ctx context.Context, projectID, title, description, priority string, dependencies []string) (PostJobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if title == "" {
		return PostJobResult{}, errs.BadRequest("title is required")
	}
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if _, ok := domain.PriorityRank[priority]; !ok {
		return PostJobResult{}, errs.BadRequest(fmt.Sprintf("unknown priority %q", priority))
	}

	key, err := newCompletionKey()
	if err != nil {
		return PostJobResult{}, errs.StoreError(fmt.Sprintf("generate completion key: %v", err))
	}

	job, err := f.Store.InsertJob(ctx, store.NewJob{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		Title:         title,
		Description:   description,
		Priority:      priority,
		Dependencies:  dependencies,
		CompletionKey: key,
		CreatedAt:     f.now(),
	})
	if err != nil {
		return PostJobResult{}, errs.StoreError(fmt.Sprintf("insert job: %v", err))
	}

	_ = f.appendNotepadLocked(ctx, projectID, fmt.Sprintf("[JOB POSTED] %s (%s)", job.Title, job.ID))
	return PostJobResult{Job: job, CompletionKey: key}, nil
}

// ClaimNextJob implements the claim selection rule: among todo jobs whose
// direct dependencies are all done, pick the highest priority, breaking
// ties by oldest created_at. It scans candidates in that order and retries
// on conditional-update failure until it succeeds or the list is
// exhausted, so concurrent callers each observe exactly one of: claim a
// distinct job, NO_JOBS_AVAILABLE, or lose the race and move on.
func (f *Facade) ClaimNextJob(ctx context.Context, projectID, agentID string) (domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if agentID == "" {
		return domain.Job{}, false, errs.BadRequest("agentId is required")
	}

	jobs, err := f.Store.SelectProjectJobs(ctx, projectID)
	if err != nil {
		return domain.Job{}, false, errs.StoreError(fmt.Sprintf("select jobs: %v", err))
	}
	byID := make(map[string]domain.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	candidates := make([]domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Status != domain.JobTodo {
			continue
		}
		if !dependenciesDone(j, byID) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.SliceStable(candidates, func(i, k int) bool {
		ri, rk := domain.PriorityRank[candidates[i].Priority], domain.PriorityRank[candidates[k].Priority]
		if ri != rk {
			return ri < rk
		}
		return candidates[i].CreatedAt < candidates[k].CreatedAt
	})

	now := f.now()
	for _, cand := range candidates {
		err := f.Store.ConditionalClaimJob(ctx, projectID, cand.ID, agentID, now)
		if err == nil {
			claimed, err := f.Store.GetJob(ctx, projectID, cand.ID)
			if err != nil {
				return domain.Job{}, false, errs.StoreError(fmt.Sprintf("reload claimed job: %v", err))
			}
			_ = f.appendNotepadLocked(ctx, projectID, fmt.Sprintf("[JOB CLAIMED] %s by %s", claimed.Title, agentID))
			return claimed, true, nil
		}
		if err == store.ErrAlreadyTaken {
			continue
		}
		return domain.Job{}, false, errs.StoreError(fmt.Sprintf("claim job: %v", err))
	}
	return domain.Job{}, false, nil
}

func dependenciesDone(job domain.Job, byID map[string]domain.Job) bool {
	for _, dep := range job.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != domain.JobDone {
			return false
		}
	}
	return true
}

// CompleteJob authorises by assignee identity or completion key. Completing
// a job never releases that agent's locks — release is always explicit or
// happens at finalize_session.
func (f *Facade) CompleteJob(ctx context.Context, projectID, agentID, jobID, outcome, completionKey string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, err := f.Store.GetJob(ctx, projectID, jobID)
	if err != nil {
		if err == store.ErrNotFound {
			return domain.Job{}, errs.NotFound(fmt.Sprintf("job %s not found", jobID))
		}
		return domain.Job{}, errs.StoreError(fmt.Sprintf("get job: %v", err))
	}

	if job.Status == domain.JobDone || job.Status == domain.JobCancelled {
		return domain.Job{}, errs.Conflict(fmt.Sprintf("job %s is already %s", jobID, job.Status))
	}

	authorised := job.AssignedTo != nil && *job.AssignedTo == agentID
	if !authorised && completionKey != "" && completionKey == job.CompletionKey {
		authorised = true
	}
	if !authorised {
		return domain.Job{}, errs.Unauthorized("caller is neither the assignee nor in possession of the completion key")
	}

	status := domain.JobDone
	assigned := agentID
	prevStatus := job.Status
	updated, err := f.Store.UpdateJob(ctx, projectID, jobID, store.JobUpdate{Status: &status, AssignedTo: &assigned}, store.JobPrecondition{Status: &prevStatus}, f.now())
	if err != nil {
		if err == store.ErrConflict {
			return domain.Job{}, errs.Conflict(fmt.Sprintf("job %s changed state concurrently", jobID))
		}
		return domain.Job{}, errs.StoreError(fmt.Sprintf("update job: %v", err))
	}
	_ = f.appendNotepadLocked(ctx, projectID, fmt.Sprintf("[JOB DONE] %s: %s", updated.Title, outcome))
	return updated, nil
}

// CancelJob marks a job cancelled. No authorisation check beyond project
// membership — see SPEC_FULL.md §9 open question.
func (f *Facade) CancelJob(ctx context.Context, projectID, jobID, reason string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status := domain.JobCancelled
	updated, err := f.Store.UpdateJob(ctx, projectID, jobID, store.JobUpdate{Status: &status, CancelReason: &reason}, store.JobPrecondition{}, f.now())
	if err != nil {
		if err == store.ErrNotFound {
			return domain.Job{}, errs.NotFound(fmt.Sprintf("job %s not found", jobID))
		}
		return domain.Job{}, errs.StoreError(fmt.Sprintf("cancel job: %v", err))
	}
	_ = f.appendNotepadLocked(ctx, projectID, fmt.Sprintf("[JOB CANCELLED] %s: %s", updated.Title, reason))
	return updated, nil
}

// UpdateJob applies an allow-listed partial update (the Go rendering of
// SPEC_FULL.md §9's tagged JobUpdate variant).
func (f *Facade) UpdateJob(ctx context.Context, projectID, jobID string, fields store.JobUpdate) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	updated, err := f.Store.UpdateJob(ctx, projectID, jobID, fields, store.JobPrecondition{}, f.now())
	if err != nil {
		if err == store.ErrNotFound {
			return domain.Job{}, errs.NotFound(fmt.Sprintf("job %s not found", jobID))
		}
		return domain.Job{}, errs.StoreError(fmt.Sprintf("update job: %v", err))
	}
	return updated, nil
}

func (f *Facade) ListJobs(ctx context.Context, projectID string) ([]domain.Job, error) {
	jobs, err := f.Store.SelectProjectJobs(ctx, projectID)
	if err != nil {
		return nil, errs.StoreError(fmt.Sprintf("select jobs: %v", err))
	}
	return jobs, nil
}

// LockResult mirrors the propose_file_access response shape.
type LockResult struct {
	Granted bool
	Lock    domain.Lock
}

// ProposeFileAccess runs opportunistic TTL reclamation, then attempts to
// acquire the lock. If it is held and live by a different agent it returns
// the incumbent without blocking or queuing; the store performs steps 2-4
// atomically (sqlstore runs the stale-lock delete, the read of the current
// lock and the upsert inside one database transaction).
func (f *Facade) ProposeFileAccess(ctx context.Context, projectID, agentID, filePath, intent, userPrompt string) (LockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if filePath == "" {
		return LockResult{}, errs.BadRequest("filePath is required")
	}
	if agentID == "" {
		return LockResult{}, errs.BadRequest("agentId is required")
	}

	granted, lock, err := f.Store.UpsertLock(ctx, projectID, filePath, agentID, intent, userPrompt, f.now(), f.ttl())
	if err != nil {
		return LockResult{}, errs.StoreError(fmt.Sprintf("upsert lock: %v", err))
	}
	if granted {
		_ = f.appendNotepadLocked(ctx, projectID, fmt.Sprintf("[LOCK] %s acquired %s (%s)", agentID, filePath, intent))
	}
	return LockResult{Granted: granted, Lock: lock}, nil
}

// Unlock releases a lock explicitly. It is not an error to unlock a file
// with no current lock.
func (f *Facade) Unlock(ctx context.Context, projectID, filePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Store.DeleteLock(ctx, projectID, filePath); err != nil {
		return errs.StoreError(fmt.Sprintf("delete lock: %v", err))
	}
	return nil
}

// ForceUnlock deletes a lock unconditionally, for stuck-lock recovery. It
// is an agent convention, not an enforced rule, that this is only invoked
// on stale locks.
func (f *Facade) ForceUnlock(ctx context.Context, projectID, filePath, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Store.ForceDeleteLock(ctx, projectID, filePath); err != nil {
		return errs.StoreError(fmt.Sprintf("force unlock: %v", err))
	}
	_ = f.appendNotepadLocked(ctx, projectID, fmt.Sprintf("[LOCK] force-unlocked %s: %s", filePath, reason))
	return nil
}

func (f *Facade) ListLocks(ctx context.Context, projectID string) ([]domain.Lock, error) {
	locks, err := f.Store.SelectProjectLocks(ctx, projectID, f.now(), f.ttl())
	if err != nil {
		return nil, errs.StoreError(fmt.Sprintf("select locks: %v", err))
	}
	return locks, nil
}

// UpdateSharedContext appends a free-form agent note to the notepad.
func (f *Facade) UpdateSharedContext(ctx context.Context, projectID, agentID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendNotepadLocked(ctx, projectID, fmt.Sprintf("\n- [%s] %s", agentID, text))
}

func (f *Facade) appendNotepadLocked(ctx context.Context, projectID, line string) error {
	if !hasLeadingNewline(line) {
		line = "\n" + line
	}
	if err := f.Store.AppendNotepad(ctx, projectID, line); err != nil {
		return errs.StoreError(fmt.Sprintf("append notepad: %v", err))
	}
	return nil
}

func hasLeadingNewline(s string) bool {
	return len(s) > 0 && s[0] == '\n'
}

func (f *Facade) ReadNotepad(ctx context.Context, projectID string) (string, error) {
	text, err := f.Store.ReadNotepad(ctx, projectID)
	if err != nil {
		return "", errs.StoreError(fmt.Sprintf("read notepad: %v", err))
	}
	return text, nil
}

// FinalizeResult is returned by FinalizeSession.
type FinalizeResult struct {
	ArchivePath string
}

// FinalizeSession archives the notepad, resets it, clears all locks, and
// purges terminal jobs, in that order. Step 1 (reading the notepad) is the
// only read; if the archive write fails the rest of the sequence aborts
// without mutating live state.
func (f *Facade) FinalizeSession(ctx context.Context, projectID, title string) (FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	notepad, err := f.Store.ReadNotepad(ctx, projectID)
	if err != nil {
		return FinalizeResult{}, errs.StoreError(fmt.Sprintf("read notepad: %v", err))
	}

	summary := notepad
	if len(summary) > 500 {
		summary = summary[:500]
	}
	if title == "" {
		title = "Session"
	}

	now := f.now()
	_, archivePath, err := f.Store.ArchiveSession(ctx, projectID, title, summary, notepad, now)
	if err != nil {
		return FinalizeResult{}, errs.StoreError(fmt.Sprintf("archive session: %v", err))
	}

	marker := fmt.Sprintf("Session Start: %s\n", now.UTC().Format(time.RFC3339))
	if err := f.Store.ResetNotepad(ctx, projectID, marker); err != nil {
		return FinalizeResult{}, errs.StoreError(fmt.Sprintf("reset notepad: %v", err))
	}
	if err := f.Store.DeleteProjectLocks(ctx, projectID); err != nil {
		return FinalizeResult{}, errs.StoreError(fmt.Sprintf("clear locks: %v", err))
	}
	if err := f.Store.DeleteTerminalJobs(ctx, projectID); err != nil {
		return FinalizeResult{}, errs.StoreError(fmt.Sprintf("purge terminal jobs: %v", err))
	}
	return FinalizeResult{ArchivePath: archivePath}, nil
}

// GetCoreContext renders jobs (non-terminal), live locks, and the notepad
// into a three-section Markdown document.
func (f *Facade) GetCoreContext(ctx context.Context, projectID string) (string, error) {
	jobs, err := f.Store.SelectProjectJobs(ctx, projectID)
	if err != nil {
		return "", errs.StoreError(fmt.Sprintf("select jobs: %v", err))
	}
	locks, err := f.Store.SelectProjectLocks(ctx, projectID, f.now(), f.ttl())
	if err != nil {
		return "", errs.StoreError(fmt.Sprintf("select locks: %v", err))
	}
	notepad, err := f.Store.ReadNotepad(ctx, projectID)
	if err != nil {
		return "", errs.StoreError(fmt.Sprintf("read notepad: %v", err))
	}

	out := "# Jobs\n"
	for _, j := range jobs {
		if j.Status == domain.JobDone || j.Status == domain.JobCancelled {
			continue
		}
		assignee := "unassigned"
		if j.AssignedTo != nil {
			assignee = *j.AssignedTo
		}
		out += fmt.Sprintf("- [%s] (%s/%s) %s — %s\n", j.ID, j.Priority, j.Status, j.Title, assignee)
	}
	out += "\n# Locks\n"
	for _, l := range locks {
		out += fmt.Sprintf("- %s held by %s (%s)\n", l.FilePath, l.AgentID, l.Intent)
	}
	out += "\n# Notepad\n" + notepad
	return out, nil
}

// GetProjectSoul returns the concatenation of context.md and
// conventions.md from the instructions directory; missing files degrade
// to a placeholder rather than an error.
func (f *Facade) GetProjectSoul(ctx context.Context) (string, error) {
	dir := "./.axis/instructions"
	if f.Config != nil && f.Config.Store.InstructionsDir != "" {
		dir = f.Config.Store.InstructionsDir
	}
	context := readInstructionFile(dir, "context.md")
	conventions := readInstructionFile(dir, "conventions.md")
	return context + "\n\n" + conventions, nil
}

func readInstructionFile(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Sprintf("(no %s found)", name)
	}
	return string(data)
}
