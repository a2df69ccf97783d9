package engine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"nervecenter/internal/config"
	"nervecenter/internal/db"
	"nervecenter/internal/engine"
	"nervecenter/internal/migrate"
	"nervecenter/internal/store"
	"nervecenter/internal/store/localstore"
	"nervecenter/internal/store/sqlstore"
)

type testEnv struct {
	Facade    *engine.Facade
	ProjectID string
}

func newSQLEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return newEnv(t, sqlstore.New(conn))
}

func newLocalEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := localstore.New(filepath.Join(dir, "state.json"), filepath.Join(dir, "history"))
	if err != nil {
		t.Fatalf("open localstore: %v", err)
	}
	return newEnv(t, st)
}

func newEnv(t *testing.T, st store.Store) testEnv {
	t.Helper()
	cfg := config.Default("acme")
	f := engine.New(st, cfg)
	f.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	p, err := f.ResolveProject(ctx, "acme", "owner-1")
	if err != nil {
		t.Fatalf("resolve project: %v", err)
	}
	return testEnv{Facade: f, ProjectID: p.ID}
}

func forEachBackend(t *testing.T, run func(t *testing.T, env testEnv)) {
	t.Run("sqlstore", func(t *testing.T) { run(t, newSQLEnv(t)) })
	t.Run("localstore", func(t *testing.T) { run(t, newLocalEnv(t)) })
}

// S1 — conflict on lock.
func TestLockConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		res, err := env.Facade.ProposeFileAccess(ctx, env.ProjectID, "A", "src/x.ts", "edit", "prompt-a")
		if err != nil || !res.Granted {
			t.Fatalf("A grant: %v %+v", err, res)
		}
		res, err = env.Facade.ProposeFileAccess(ctx, env.ProjectID, "B", "src/x.ts", "edit", "prompt-b")
		if err != nil {
			t.Fatalf("B propose: %v", err)
		}
		if res.Granted {
			t.Fatalf("B should not be granted while A holds the lock")
		}
		if res.Lock.AgentID != "A" || res.Lock.Intent != "edit" {
			t.Fatalf("unexpected incumbent: %+v", res.Lock)
		}
	})
}

// S2 — completion by key.
func TestCompleteJobByKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		posted, err := env.Facade.PostJob(ctx, env.ProjectID, "Title", "Desc", "", nil)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		job, claimed, err := env.Facade.ClaimNextJob(ctx, env.ProjectID, "A")
		if err != nil || !claimed {
			t.Fatalf("claim: %v claimed=%v", err, claimed)
		}
		if job.AssignedTo == nil || *job.AssignedTo != "A" {
			t.Fatalf("expected assignee A, got %+v", job)
		}
		done, err := env.Facade.CompleteJob(ctx, env.ProjectID, "B", posted.Job.ID, "done by B", posted.CompletionKey)
		if err != nil {
			t.Fatalf("complete by key: %v", err)
		}
		if done.Status != "done" {
			t.Fatalf("expected done, got %s", done.Status)
		}
		if _, err := env.Facade.CompleteJob(ctx, env.ProjectID, "C", posted.Job.ID, "x", "WRONGKEY"); err == nil {
			t.Fatalf("expected error completing with wrong key")
		}
		reread, err := env.Facade.ListJobs(ctx, env.ProjectID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, j := range reread {
			if j.ID == posted.Job.ID && j.Status != "done" {
				t.Fatalf("job mutated by failed completion: %+v", j)
			}
		}
	})
}

// S3 — completion without key by non-assignee.
func TestCompleteJobUnauthorised(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		posted, err := env.Facade.PostJob(ctx, env.ProjectID, "Title", "Desc", "", nil)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		if _, _, err := env.Facade.ClaimNextJob(ctx, env.ProjectID, "A"); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := env.Facade.CompleteJob(ctx, env.ProjectID, "B", posted.Job.ID, "done by B", ""); err == nil {
			t.Fatalf("expected unauthorized error")
		}
	})
}

// Terminal states are sinks: a cancelled job keeps its completion_key
// (CancelJob never clears it), but completing it afterwards — even with
// the correct key — must not flip it back to done.
func TestCannotCompleteCancelledJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		posted, err := env.Facade.PostJob(ctx, env.ProjectID, "Title", "Desc", "", nil)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		if _, err := env.Facade.CancelJob(ctx, env.ProjectID, posted.Job.ID, "no longer needed"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if _, err := env.Facade.CompleteJob(ctx, env.ProjectID, "A", posted.Job.ID, "done anyway", posted.CompletionKey); err == nil {
			t.Fatalf("expected error completing a cancelled job")
		}
		jobs, err := env.Facade.ListJobs(ctx, env.ProjectID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, j := range jobs {
			if j.ID == posted.Job.ID && j.Status != "cancelled" {
				t.Fatalf("cancelled job mutated by completion attempt: %+v", j)
			}
		}
	})
}

// S4 — priority and age tie-break. J2 and J3 share priority "high"; the
// clock is advanced between posts so created_at strictly increases and the
// age tie-break (not UUID order) decides J2 before J3.
func TestClaimPriorityOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		env.Facade.Now = func() time.Time { return base }
		j1, _ := env.Facade.PostJob(ctx, env.ProjectID, "J1", "", "medium", nil)
		env.Facade.Now = func() time.Time { return base.Add(time.Minute) }
		j2, _ := env.Facade.PostJob(ctx, env.ProjectID, "J2", "", "high", nil)
		env.Facade.Now = func() time.Time { return base.Add(2 * time.Minute) }
		j3, _ := env.Facade.PostJob(ctx, env.ProjectID, "J3", "", "high", nil)

		job, claimed, err := env.Facade.ClaimNextJob(ctx, env.ProjectID, "A")
		if err != nil || !claimed || job.ID != j2.Job.ID {
			t.Fatalf("expected J2 (older high-priority job) for A, got %+v err=%v", job, err)
		}
		job, claimed, err = env.Facade.ClaimNextJob(ctx, env.ProjectID, "B")
		if err != nil || !claimed || job.ID != j3.Job.ID {
			t.Fatalf("expected J3 for B, got %+v err=%v", job, err)
		}
		job, claimed, err = env.Facade.ClaimNextJob(ctx, env.ProjectID, "C")
		if err != nil || !claimed || job.ID != j1.Job.ID {
			t.Fatalf("expected J1 for C, got %+v err=%v", job, err)
		}
	})
}

// S5 — TTL reclaim.
func TestLockTTLReclaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		env.Facade.Now = func() time.Time { return base }
		if _, err := env.Facade.ProposeFileAccess(ctx, env.ProjectID, "A", "f", "edit", "p"); err != nil {
			t.Fatalf("initial grant: %v", err)
		}
		env.Facade.Now = func() time.Time { return base.Add(env.Facade.Config.LockTTL() + time.Minute) }
		res, err := env.Facade.ProposeFileAccess(ctx, env.ProjectID, "B", "f", "edit", "p")
		if err != nil {
			t.Fatalf("reclaim propose: %v", err)
		}
		if !res.Granted {
			t.Fatalf("expected grant after TTL expiry, got %+v", res)
		}
		locks, err := env.Facade.ListLocks(ctx, env.ProjectID)
		if err != nil {
			t.Fatalf("list locks: %v", err)
		}
		if len(locks) != 1 || locks[0].AgentID != "B" {
			t.Fatalf("expected single lock owned by B, got %+v", locks)
		}
	})
}

// S6 — finalize.
func TestFinalizeSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		if err := env.Facade.UpdateSharedContext(ctx, env.ProjectID, "A", "note"); err != nil {
			t.Fatalf("notepad: %v", err)
		}
		done, err := env.Facade.PostJob(ctx, env.ProjectID, "Done job", "", "", nil)
		if err != nil {
			t.Fatalf("post done job: %v", err)
		}
		if _, _, err := env.Facade.ClaimNextJob(ctx, env.ProjectID, "A"); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := env.Facade.CompleteJob(ctx, env.ProjectID, "A", done.Job.ID, "ok", ""); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if _, err := env.Facade.PostJob(ctx, env.ProjectID, "Todo job", "", "", nil); err != nil {
			t.Fatalf("post todo job: %v", err)
		}
		if _, err := env.Facade.ProposeFileAccess(ctx, env.ProjectID, "A", "a.go", "edit", "p"); err != nil {
			t.Fatalf("lock a: %v", err)
		}
		if _, err := env.Facade.ProposeFileAccess(ctx, env.ProjectID, "B", "b.go", "edit", "p"); err != nil {
			t.Fatalf("lock b: %v", err)
		}

		result, err := env.Facade.FinalizeSession(ctx, env.ProjectID, "Session 1")
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if result.ArchivePath == "" {
			t.Fatalf("expected archive path")
		}
		locks, err := env.Facade.ListLocks(ctx, env.ProjectID)
		if err != nil || len(locks) != 0 {
			t.Fatalf("expected zero locks, got %+v err=%v", locks, err)
		}
		jobs, err := env.Facade.ListJobs(ctx, env.ProjectID)
		if err != nil || len(jobs) != 1 || jobs[0].Status != "todo" {
			t.Fatalf("expected single todo job, got %+v err=%v", jobs, err)
		}
		notepad, err := env.Facade.ReadNotepad(ctx, env.ProjectID)
		if err != nil {
			t.Fatalf("read notepad: %v", err)
		}
		if len(notepad) < len("Session Start: ") || notepad[:len("Session Start: ")] != "Session Start: " {
			t.Fatalf("expected reset marker, got %q", notepad)
		}
	})
}

func TestDependencyGating(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		blocker, err := env.Facade.PostJob(ctx, env.ProjectID, "Blocker", "", "high", nil)
		if err != nil {
			t.Fatalf("post blocker: %v", err)
		}
		if _, err := env.Facade.PostJob(ctx, env.ProjectID, "Blocked", "", "critical", []string{blocker.Job.ID}); err != nil {
			t.Fatalf("post blocked: %v", err)
		}
		job, claimed, err := env.Facade.ClaimNextJob(ctx, env.ProjectID, "A")
		if err != nil || !claimed || job.ID != blocker.Job.ID {
			t.Fatalf("expected blocker claimed first, got %+v claimed=%v err=%v", job, claimed, err)
		}
		_, claimed, err = env.Facade.ClaimNextJob(ctx, env.ProjectID, "B")
		if err != nil || claimed {
			t.Fatalf("blocked job should not be claimable before blocker is done: claimed=%v err=%v", claimed, err)
		}
		if _, err := env.Facade.CompleteJob(ctx, env.ProjectID, "A", blocker.Job.ID, "ok", ""); err != nil {
			t.Fatalf("complete blocker: %v", err)
		}
		job, claimed, err = env.Facade.ClaimNextJob(ctx, env.ProjectID, "B")
		if err != nil || !claimed {
			t.Fatalf("expected blocked job now claimable: claimed=%v err=%v", claimed, err)
		}
		if job.Title != "Blocked" {
			t.Fatalf("expected Blocked job, got %+v", job)
		}
	})
}
