package store

import "time"

// Status values shared by every claimable table. The reconcile loop only
// ever sees the first five strings regardless of which table it's driving;
// no_data is a terminal state used only by activity_summaries.
const (
	StatusPending         = "pending"
	StatusRunning         = "running"
	StatusSucceeded       = "succeeded"
	StatusFailed          = "failed"
	StatusFailedPermanent = "failed_permanent"
	StatusNoData          = "no_data"
)

// Screenshot is a single captured frame plus its VLM and OCR claim state.
type Screenshot struct {
	ID                 int64
	CapturedAt         time.Time
	SourceKey          string
	PHash              string
	FilePath           string
	Width, Height      int
	ByteSize           int64
	MIME               string
	AppHint            string
	WindowTitle        string
	StorageState       string // ephemeral | deleted
	VLMStatus          string
	VLMAttempts        int
	VLMNextRunAt       *time.Time
	VLMError           string
	OCRStatus          string
	OCRAttempts        int
	OCRNextRunAt       *time.Time
	OCRText            string
	UITextSnippets     string
	OCRRegion          *string // JSON-encoded aiproviders.RegionHint, set by SetOCREligible
	EnqueuedBatchID    *int64
	RetentionExpiresAt *time.Time
	CreatedAt, UpdatedAt time.Time
}

// Batch groups screenshots captured close together for a single VLM pass.
type Batch struct {
	ID            int64
	BatchID       string
	SourceKey     string
	ScreenshotIDs []int64
	TSStart       time.Time
	TSEnd         time.Time
	Status        string
	Attempts      int
	NextRunAt     *time.Time
	HistoryPack   string // JSON snapshot of recent context fed to the VLM prompt
	IndexJSON     *string
	Error         string
	CreatedAt, UpdatedAt time.Time
}

// ContextNode is one structured unit extracted from a batch: an event,
// a knowledge fact, a state snapshot, a procedure, or a plan.
type ContextNode struct {
	ID               int64
	BatchID          int64
	Kind             string // event | knowledge | state | procedure | plan
	ThreadID         *string
	EventTime        time.Time
	Title, Summary   string
	Keywords         []string
	Entities         []string
	KnowledgePayload *string
	StatePayload     *string
	ProcedurePayload *string
	PlanPayload      *string
	ActionItems      []string
	Importance       float64
	Confidence       float64
	ScreenshotIDs    []int64
	MergeStatus      string
	MergeAttempts    int
	MergeNextRunAt   *time.Time
	MergedFromIDs    []int64
	Absorbed         bool
	CreatedAt, UpdatedAt time.Time
}

// VectorDocument is a searchable projection of a context node, carrying
// its own embedding and ANN-index claim state (two independent stages).
type VectorDocument struct {
	ID                  int64
	VectorID            string // "node:<context_node id>"
	RefID               int64
	DocType             string
	TextContent         string
	TextHash            string
	Embedding           []byte
	MetaPayload         string
	EmbeddingStatus     string
	EmbeddingAttempts   int
	EmbeddingNextRunAt  *time.Time
	IndexStatus         string
	IndexAttempts       int
	IndexNextRunAt      *time.Time
	CreatedAt, UpdatedAt time.Time
}

// Thread is a durable narrative grouping of context nodes.
type Thread struct {
	ID                       string
	Title, Summary           string
	CurrentPhase, CurrentFocus string
	Status                   string // active | inactive
	StartTime, LastActiveAt  time.Time
	DurationMS               int64
	NodeCount                int
	Apps                     []string
	MainProject              string
	KeyEntities              []string
	Milestones               []string
	Pinned                   bool
	CreatedAt, UpdatedAt     time.Time
}

// ActivitySummary is the generated narrative for one fixed UTC window.
type ActivitySummary struct {
	ID                   int64
	WindowStart, WindowEnd time.Time
	Title, Summary       string
	Highlights           []string
	Stats                string // JSON
	Status               string
	Attempts             int
	NextRunAt            *time.Time
	CreatedAt, UpdatedAt time.Time
}

// ActivityEvent is one timeline entry, upserted by event_key so repeated
// reconcile passes over the same window merge instead of duplicating.
type ActivityEvent struct {
	ID                  int64
	EventKey            string
	Title, Kind         string
	StartTS, EndTS      time.Time
	IsLong              bool
	DurationMS          int64
	Confidence          float64
	Importance          float64
	ThreadID            *string
	SummaryID           *int64
	NodeIDs             []int64
	DetailsStatus       *string
	DetailsAttempts     int
	DetailsNextRunAt    *time.Time
	DetailsText         *string
	CreatedAt, UpdatedAt time.Time
}

// UsageEvent is an append-only record of one AI capability invocation.
type UsageEvent struct {
	ID                         int64
	Capability, Operation      string
	Model, Provider            string
	InputTokens, OutputTokens  int64
	Status                     string
	ErrorCode                  string
	CreatedAt                  time.Time
}
