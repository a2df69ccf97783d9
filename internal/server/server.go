// Package server exposes the Coordination Facade over the REST API named
// in SPEC_FULL.md §6, using huma for operation registration/OpenAPI
// generation and chi for routing, the same stack the teacher uses.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"nervecenter/internal/domain"
	"nervecenter/internal/engine"
	"nervecenter/internal/engine/errs"
	"nervecenter/internal/rag"
	"nervecenter/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Facade   *engine.Facade
	RAG      *rag.Service
	Store    store.Store
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"lock held by another agent"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Nerve Center API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errList ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errList ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errList) > 0 {
			details = map[string]any{"errors": errList}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Store))
	hcfg := huma.DefaultConfig("Nerve Center API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerJobs(group, cfg.Facade)
	registerLocks(group, cfg.Facade)
	registerSessions(group, cfg.Facade)
	registerRAG(group, cfg.RAG)
	registerVerify(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// handleError classifies an engine error into the HTTP envelope defined in
// SPEC_FULL.md §7.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if e, ok := errs.As(err); ok {
		status := http.StatusInternalServerError
		switch e.Kind {
		case errs.KindNotConfigured:
			status = http.StatusServiceUnavailable
		case errs.KindUnauthorized:
			status = http.StatusUnauthorized
		case errs.KindNotFound:
			status = http.StatusNotFound
		case errs.KindConflict:
			status = http.StatusConflict
		case errs.KindBadRequest:
			status = http.StatusBadRequest
		case errs.KindRateLimited:
			status = http.StatusTooManyRequests
		case errs.KindStoreError:
			status = http.StatusInternalServerError
		}
		return newAPIError(status, string(e.Kind), e.Message, e.Details)
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT or sk_sc_ API key"}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Nerve Center API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;session-jwt or sk_sc_ key&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// resolveProject reads projectName and resolves it against the
// authenticated caller's identity as owner.
func resolveProject(ctx context.Context, f *engine.Facade, projectName string) (domain.Project, huma.StatusError) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return domain.Project{}, authErr
	}
	if projectName == "" {
		return domain.Project{}, newAPIError(http.StatusBadRequest, "bad_request", "projectName is required", nil)
	}
	p, err := f.ResolveProject(ctx, projectName, actorID)
	if err != nil {
		return domain.Project{}, handleError(err)
	}
	return p, nil
}

// --- Jobs ---

type jobsListInput struct {
	ProjectName string `query:"projectName"`
}

type jobsListOutput struct {
	Body struct {
		Jobs []domain.Job `json:"jobs"`
	}
}

type jobsActionBody struct {
	Action       string   `json:"action" enum:"post,claim,update"`
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	AgentID      string   `json:"agentId,omitempty"`
	JobID        string   `json:"jobId,omitempty"`
	Status       string   `json:"status,omitempty"`
	AssignedTo   string   `json:"assigned_to,omitempty"`
	CancelReason string   `json:"cancel_reason,omitempty"`
	ProjectName  string   `json:"projectName,omitempty"`
}

type jobsActionInput struct {
	Body jobsActionBody
}

type jobsActionOutput struct {
	Body map[string]any `json:"body"`
}

func registerJobs(api huma.API, f *engine.Facade) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs for a project",
	}, func(ctx context.Context, input *jobsListInput) (*jobsListOutput, error) {
		p, authErr := resolveProject(ctx, f, input.ProjectName)
		if authErr != nil {
			return nil, authErr
		}
		jobs, err := f.ListJobs(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &jobsListOutput{}
		out.Body.Jobs = jobs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-job-action",
		Method:      http.MethodPost,
		Path:        "/jobs",
		Summary:     "Post, claim, or update a job",
	}, func(ctx context.Context, input *jobsActionInput) (*jobsActionOutput, error) {
		body := input.Body
		p, authErr := resolveProject(ctx, f, body.ProjectName)
		if authErr != nil {
			return nil, authErr
		}
		switch body.Action {
		case "post":
			res, err := f.PostJob(ctx, p.ID, body.Title, body.Description, body.Priority, body.Dependencies)
			if err != nil {
				return nil, handleError(err)
			}
			return &jobsActionOutput{Body: map[string]any{
				"job_id": res.Job.ID, "status": "POSTED", "completion_key": res.CompletionKey, "job": res.Job,
			}}, nil

		case "claim":
			job, claimed, err := f.ClaimNextJob(ctx, p.ID, body.AgentID)
			if err != nil {
				return nil, handleError(err)
			}
			if !claimed {
				return &jobsActionOutput{Body: map[string]any{"status": "NO_JOBS_AVAILABLE"}}, nil
			}
			return &jobsActionOutput{Body: map[string]any{"status": "CLAIMED", "job": job}}, nil

		case "update":
			fields := store.JobUpdate{}
			if body.Status != "" {
				fields.Status = &body.Status
			}
			if body.AssignedTo != "" {
				fields.AssignedTo = &body.AssignedTo
			}
			if body.Priority != "" {
				fields.Priority = &body.Priority
			}
			if body.CancelReason != "" {
				fields.CancelReason = &body.CancelReason
			}
			job, err := f.UpdateJob(ctx, p.ID, body.JobID, fields)
			if err != nil {
				return nil, handleError(err)
			}
			return &jobsActionOutput{Body: map[string]any{"job": job}}, nil

		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown action %q", body.Action), nil)
		}
	})
}

// --- Locks ---

type locksListInput struct {
	ProjectName string `query:"projectName"`
}

type locksListOutput struct {
	Body struct {
		Locks []domain.Lock `json:"locks"`
	}
}

type locksActionBody struct {
	Action      string `json:"action" enum:"lock,unlock"`
	FilePath    string `json:"filePath"`
	AgentID     string `json:"agentId,omitempty"`
	Intent      string `json:"intent,omitempty"`
	UserPrompt  string `json:"userPrompt,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
}

type locksActionInput struct {
	Body locksActionBody
}

type locksActionOutput struct {
	Body map[string]any `json:"body"`
}

func registerLocks(api huma.API, f *engine.Facade) {
	huma.Register(api, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/locks",
		Summary:     "List live locks for a project",
	}, func(ctx context.Context, input *locksListInput) (*locksListOutput, error) {
		p, authErr := resolveProject(ctx, f, input.ProjectName)
		if authErr != nil {
			return nil, authErr
		}
		locks, err := f.ListLocks(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &locksListOutput{}
		out.Body.Locks = locks
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-lock-action",
		Method:      http.MethodPost,
		Path:        "/locks",
		Summary:     "Acquire or release a file lock",
	}, func(ctx context.Context, input *locksActionInput) (*locksActionOutput, error) {
		body := input.Body
		p, authErr := resolveProject(ctx, f, body.ProjectName)
		if authErr != nil {
			return nil, authErr
		}
		switch body.Action {
		case "lock":
			res, err := f.ProposeFileAccess(ctx, p.ID, body.AgentID, body.FilePath, body.Intent, body.UserPrompt)
			if err != nil {
				return nil, handleError(err)
			}
			if !res.Granted {
				return &locksActionOutput{Body: map[string]any{"status": "DENIED", "current_lock": res.Lock}}, nil
			}
			return &locksActionOutput{Body: map[string]any{"status": "GRANTED", "lock": res.Lock}}, nil
		case "unlock":
			if err := f.Unlock(ctx, p.ID, body.FilePath); err != nil {
				return nil, handleError(err)
			}
			return &locksActionOutput{Body: map[string]any{"success": true}}, nil
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown action %q", body.Action), nil)
		}
	})
}

// --- Sessions ---

type sessionSyncBody struct {
	Title       string         `json:"title"`
	Context     string         `json:"context"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ProjectName string         `json:"projectName,omitempty"`
}

type sessionSyncInput struct {
	Body sessionSyncBody
}

type sessionSyncOutput struct {
	Body struct {
		Success   bool   `json:"success"`
		SessionID string `json:"sessionId"`
		ProjectID string `json:"projectId"`
	}
}

type sessionFinalizeBody struct {
	ProjectName string `json:"projectName"`
	Content     string `json:"content,omitempty"`
}

type sessionFinalizeInput struct {
	Body sessionFinalizeBody
}

type sessionFinalizeOutput struct {
	Body struct {
		Success bool `json:"success"`
	}
}

func registerSessions(api huma.API, f *engine.Facade) {
	huma.Register(api, huma.Operation{
		OperationID: "sessions-sync",
		Method:      http.MethodPost,
		Path:        "/sessions/sync",
		Summary:     "Append shared context to the live notepad",
	}, func(ctx context.Context, input *sessionSyncInput) (*sessionSyncOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, authErr := resolveProject(ctx, f, input.Body.ProjectName)
		if authErr != nil {
			return nil, authErr
		}
		if err := f.UpdateSharedContext(ctx, p.ID, actorID, input.Body.Context); err != nil {
			return nil, handleError(err)
		}
		out := &sessionSyncOutput{}
		out.Body.Success = true
		out.Body.SessionID = p.ID
		out.Body.ProjectID = p.ID
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sessions-finalize",
		Method:      http.MethodPost,
		Path:        "/sessions/finalize",
		Summary:     "Archive the session and reset live state",
	}, func(ctx context.Context, input *sessionFinalizeInput) (*sessionFinalizeOutput, error) {
		p, authErr := resolveProject(ctx, f, input.Body.ProjectName)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := f.FinalizeSession(ctx, p.ID, input.Body.ProjectName); err != nil {
			return nil, handleError(err)
		}
		out := &sessionFinalizeOutput{}
		out.Body.Success = true
		return out, nil
	})
}

// --- RAG ---

type embedItem struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type embedBody struct {
	Items       []embedItem `json:"items"`
	ProjectName string      `json:"projectName,omitempty"`
}

type embedInput struct {
	Body embedBody
}

type embedOutput struct {
	Body struct {
		Results []rag.EmbedResult `json:"results"`
	}
}

type searchBody struct {
	Query       string `json:"query"`
	ProjectName string `json:"projectName,omitempty"`
}

type searchInput struct {
	Body searchBody
}

type searchOutput struct {
	Body struct {
		Results []rag.SearchResult `json:"results"`
	}
}

func registerRAG(api huma.API, svc *rag.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "embed",
		Method:      http.MethodPost,
		Path:        "/embed",
		Summary:     "Index content for vector search",
	}, func(ctx context.Context, input *embedInput) (*embedOutput, error) {
		items := make([]rag.Item, len(input.Body.Items))
		for i, it := range input.Body.Items {
			items[i] = rag.Item{Content: it.Content, Metadata: it.Metadata}
		}
		results, err := svc.Embed(ctx, input.Body.ProjectName, items)
		if err != nil {
			return nil, handleError(err)
		}
		out := &embedOutput{}
		out.Body.Results = results
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search",
		Method:      http.MethodPost,
		Path:        "/search",
		Summary:     "Vector search over indexed content",
	}, func(ctx context.Context, input *searchInput) (*searchOutput, error) {
		results, err := svc.Search(ctx, input.Body.ProjectName, input.Body.Query)
		if err != nil {
			return nil, handleError(err)
		}
		out := &searchOutput{}
		out.Body.Results = results
		return out, nil
	})
}

// --- Verify ---

type verifyOutput struct {
	Body struct {
		Valid      bool   `json:"valid"`
		Plan       string `json:"plan"`
		ValidUntil string `json:"validUntil"`
	}
}

func registerVerify(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "verify",
		Method:      http.MethodGet,
		Path:        "/verify",
		Summary:     "Verify the caller's credential",
	}, func(ctx context.Context, _ *struct{}) (*verifyOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		out := &verifyOutput{}
		out.Body.Valid = true
		out.Body.Plan = "standard"
		return out, nil
	})
}
