// Package domain holds the plain data types shared by the store, engine,
// server and tool-surface packages.
package domain

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"

	JobTodo       = "todo"
	JobInProgress = "in_progress"
	JobDone       = "done"
	JobCancelled  = "cancelled"
)

// PriorityRank orders priorities so that lower is better, matching the
// claim selection key (priority_rank, created_at_asc).
var PriorityRank = map[string]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Job struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Priority       string   `json:"priority" enum:"low,medium,high,critical"`
	Status         string   `json:"status" enum:"todo,in_progress,done,cancelled"`
	AssignedTo     *string  `json:"assigned_to,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	CompletionKey  string   `json:"completion_key,omitempty"`
	CancelReason   string   `json:"cancel_reason,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type Lock struct {
	ProjectID  string `json:"project_id"`
	FilePath   string `json:"file_path"`
	AgentID    string `json:"agent_id"`
	Intent     string `json:"intent,omitempty"`
	UserPrompt string `json:"user_prompt,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// SessionArchive is a write-once snapshot of a finalized notepad.
type SessionArchive struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// APIKey backs the sk_sc_-prefixed raw-key authentication path.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Embedding is a stored vector row used by the RAG subsystem.
type Embedding struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Content   string    `json:"content"`
	Vector    []float32 `json:"vector,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}
