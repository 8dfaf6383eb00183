package store

// Memory is one durable memory record.
type Memory struct {
	ID             string  `json:"id"`
	Content        string  `json:"content"`
	Type           string  `json:"type"`
	Importance     float64 `json:"importance"`
	Confidence     float64 `json:"confidence"`
	Tags           string  `json:"tags,omitempty"`
	Who            string  `json:"who,omitempty"`
	Project        string  `json:"project,omitempty"`
	Pinned         bool    `json:"pinned"`
	IsDeleted      bool    `json:"is_deleted,omitempty"`
	DeletedAt      string  `json:"deleted_at,omitempty"`
	ContentHash    string  `json:"content_hash,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	RuntimePath    string  `json:"runtime_path,omitempty"`
	Signature      string  `json:"signature,omitempty"`
	SignerDID      string  `json:"signer_did,omitempty"`
	Version        int64   `json:"version"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`

	SourceType    string `json:"source_type,omitempty"`
	SourcePath    string `json:"source_path,omitempty"`
	SourceSection string `json:"source_section,omitempty"`
	SourceID      string `json:"source_id,omitempty"`

	AccessCount  int64  `json:"access_count"`
	LastAccessed string `json:"last_accessed,omitempty"`

	ExtractionStatus string `json:"extraction_status,omitempty"`
	EmbeddingModel   string `json:"embedding_model,omitempty"`
}

// Extraction status values.
const (
	ExtractionNone       = "none"
	ExtractionPending    = "pending"
	ExtractionInProgress = "in_progress"
	ExtractionDone       = "done"
	ExtractionFailed     = "failed"
)

// HistoryEvent is one append-only state transition record. Every
// accepted mutation writes exactly one event in the same transaction.
type HistoryEvent struct {
	ID          int64  `json:"id"`
	MemoryID    string `json:"memory_id"`
	Kind        string `json:"kind"` // created | updated | deleted | recovered
	PrevContent string `json:"prev_content,omitempty"`
	NextContent string `json:"next_content,omitempty"`
	ChangedBy   string `json:"changed_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Metadata    string `json:"metadata,omitempty"` // free-form JSON
	ActorType   string `json:"actor_type,omitempty"`
	SessionKey  string `json:"session_key,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// History event kinds.
const (
	EventCreated   = "created"
	EventUpdated   = "updated"
	EventDeleted   = "deleted"
	EventRecovered = "recovered"
)

// Actor types for history attribution.
const (
	ActorUser    = "user"
	ActorHarness = "harness"
	ActorWorker  = "worker"
	ActorSystem  = "system"
)

// WriteContext carries request attribution into history rows.
type WriteContext struct {
	Actor      string
	ActorType  string
	SessionKey string
	RequestID  string
}

// Embedding is one content-addressed vector row. Identical chunk text
// yields one row shared across references.
type Embedding struct {
	ID          int64
	ContentHash string
	Vector      []float32
	Dims        int
	SourceType  string // memory | document_chunk
	SourceID    string
	ChunkText   string
	Model       string
	CreatedAt   string
}

// Entity is one node of the entity graph.
type Entity struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	CanonicalName string `json:"canonical_name"`
	Type          string `json:"type,omitempty"`
	MentionCount  int64  `json:"mention_count"`
	EmbeddingHash string `json:"embedding_hash,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Relation is a typed directed edge between two entities.
type Relation struct {
	ID             int64   `json:"id"`
	SourceEntityID int64   `json:"source_entity_id"`
	TargetEntityID int64   `json:"target_entity_id"`
	RelationType   string  `json:"relation_type"`
	Strength       float64 `json:"strength"`
	Confidence     float64 `json:"confidence"`
	MentionCount   int64   `json:"mention_count"`
}

// Mention links a memory to an entity.
type Mention struct {
	MemoryID    string  `json:"memory_id"`
	EntityID    int64   `json:"entity_id"`
	MentionText string  `json:"mention_text,omitempty"`
	Confidence  float64 `json:"confidence"`
	CreatedAt   string  `json:"created_at"`
}

// Job is one durable queue entry.
type Job struct {
	ID            string `json:"id"`
	MemoryID      string `json:"memory_id,omitempty"`
	Type          string `json:"job_type"`
	Status        string `json:"status"`
	Payload       string `json:"payload,omitempty"`
	Result        string `json:"result,omitempty"`
	Attempts      int    `json:"attempts"`
	MaxAttempts   int    `json:"max_attempts"`
	LeaseID       string `json:"lease_id,omitempty"`
	LeasedAt      string `json:"leased_at,omitempty"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	CreatedAt     string `json:"created_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
	FailedAt      string `json:"failed_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorCode string `json:"last_error_code,omitempty"`
}

// Job types.
const (
	JobExtract   = "extract"
	JobEmbed     = "embed"
	JobDecide    = "decide"
	JobSummary   = "summary"
	JobDocument  = "document"
	JobRetention = "retention"
)

// Job statuses.
const (
	JobPending        = "pending"
	JobLeased         = "leased"
	JobRetryScheduled = "retry_scheduled"
	JobCompleted      = "completed"
	JobDead           = "dead"
)

// Document aggregates memories ingested from one source file.
type Document struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	FileHash   string `json:"file_hash"`
	Status     string `json:"status"` // pending | ingested | failed
	ChunkCount int    `json:"chunk_count"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Session is one persisted session claim.
type Session struct {
	SessionKey  string `json:"session_key"`
	RuntimePath string `json:"runtime_path"`
	Harness     string `json:"harness,omitempty"`
	Project     string `json:"project,omitempty"`
	State       string `json:"state"` // claimed | ended
	ClaimedAt   string `json:"claimed_at"`
	EndedAt     string `json:"ended_at,omitempty"`
}

// Session states.
const (
	SessionClaimed = "claimed"
	SessionEnded   = "ended"
)
