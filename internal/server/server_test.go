package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"nervecenter/internal/config"
	"nervecenter/internal/db"
	"nervecenter/internal/domain"
	"nervecenter/internal/engine"
	"nervecenter/internal/migrate"
	"nervecenter/internal/rag"
	"nervecenter/internal/store/sqlstore"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := sqlstore.New(conn)
	cfg := config.Default("acme")
	f := engine.New(st, cfg)
	ragSvc := rag.New(st, func(ctx context.Context, name string) (domain.Project, error) {
		return f.ResolveProject(ctx, name, cfg.Project.Owner)
	})
	handler, err := New(Config{Facade: f, RAG: ragSvc, Store: st, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return ts
}

func testToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, client *http.Client, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	res, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestJobsRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	res, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/jobs?projectName=acme", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestPostClaimUpdateJob(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	token := testToken(t, "owner-1")

	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/jobs", token, map[string]any{
		"action": "post", "title": "Ship it", "projectName": "acme",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("post job: status=%d body=%s", res.StatusCode, body)
	}
	var posted struct {
		JobID         string `json:"job_id"`
		CompletionKey string `json:"completion_key"`
	}
	if err := json.Unmarshal(body, &posted); err != nil {
		t.Fatalf("unmarshal posted: %v", err)
	}
	if posted.JobID == "" || posted.CompletionKey == "" {
		t.Fatalf("expected job_id and completion_key, got %s", body)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/jobs", token, map[string]any{
		"action": "claim", "agentId": "agent-a", "projectName": "acme",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim job: status=%d body=%s", res.StatusCode, body)
	}
	var claimed struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &claimed); err != nil || claimed.Status != "CLAIMED" {
		t.Fatalf("expected CLAIMED, got %s (err=%v)", body, err)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/jobs", token, map[string]any{
		"action": "update", "jobId": posted.JobID, "projectName": "acme",
	})
	_ = res
	_ = body

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/jobs?projectName=acme", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list jobs: status=%d body=%s", res.StatusCode, body)
	}
}

func TestLockConflictOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	token := testToken(t, "owner-1")

	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/locks", token, map[string]any{
		"action": "lock", "filePath": "src/x.ts", "agentId": "A", "intent": "edit", "projectName": "acme",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lock A: status=%d body=%s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/locks", token, map[string]any{
		"action": "lock", "filePath": "src/x.ts", "agentId": "B", "intent": "edit", "projectName": "acme",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lock B: status=%d body=%s", res.StatusCode, body)
	}
	var denied struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &denied); err != nil || denied.Status != "DENIED" {
		t.Fatalf("expected DENIED, got %s", body)
	}
}

func TestVerifyRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	res, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/verify", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	token := testToken(t, "owner-1")
	res, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/verify", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify: status=%d body=%s", res.StatusCode, body)
	}
}
