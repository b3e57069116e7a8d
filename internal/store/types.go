package store

import "time"

// Message is one logged conversation turn half. Append-only.
type Message struct {
	ID          int64     `json:"id"`
	SessionName string    `json:"session_name"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Summarized  bool      `json:"summarized"`
	UserID      string    `json:"user_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Summary is a condensed span of conversation produced by the summarizer.
type Summary struct {
	ID           int64     `json:"id"`
	SessionName  string    `json:"session_name"`
	FullSummary  string    `json:"full_summary"`
	ShortSummary string    `json:"short_summary,omitempty"`
	Topics       []string  `json:"topics,omitempty"`
	MessageCount int       `json:"message_count"`
	IsMilestone  bool      `json:"is_milestone"`
	UserID       string    `json:"user_id,omitempty"`
	PersonaName  string    `json:"persona_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Memory is a (user, category, key) keyed fact the agent asked to keep.
type Memory struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Category  string         `json:"category"`
	Key       string         `json:"key"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Persona shapes the agent's system prompt and tool selection. At most one
// persona is the default.
type Persona struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	MCPServers    []string       `json:"mcp_servers,omitempty"`
	SkillPriority []string       `json:"skill_priority,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	IsDefault     bool           `json:"is_default"`
	CreatedAt     time.Time      `json:"created_at"`
}

// UsageRecord captures one turn's cost and token accounting.
type UsageRecord struct {
	ID            int64     `json:"id"`
	SessionName   string    `json:"session_name"`
	UserID        string    `json:"user_id,omitempty"`
	CostUSD       float64   `json:"cost_usd"`
	NumTurns      int       `json:"num_turns"`
	DurationAPIMS int64     `json:"duration_api_ms"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	CreatedAt     time.Time `json:"created_at"`
}

// UsageTotal is an aggregate over usage records, whole-store or per-session.
type UsageTotal struct {
	SessionName  string  `json:"session_name,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTurns   int64   `json:"total_turns"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Records      int64   `json:"records"`
}

// CronJob is a named scheduled prompt.
type CronJob struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Expression  string    `json:"expression"`
	Prompt      string    `json:"prompt"`
	SessionName string    `json:"session_name,omitempty"`
	Isolated    bool      `json:"isolated"`
	Enabled     bool      `json:"enabled"`
	Timezone    string    `json:"timezone,omitempty"`
	LastRunAt   time.Time `json:"last_run_at,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
}

// HeartbeatCheck is one named condition folded into the heartbeat prompt.
type HeartbeatCheck struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Topic is the root of the monitor tree.
type Topic struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Entity is a monitored company, person, organization or product under a topic.
type Entity struct {
	ID         int64     `json:"id"`
	TopicID    int64     `json:"topic_id"`
	Name       string    `json:"name"`
	URL        string    `json:"url,omitempty"`
	EntityType string    `json:"entity_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Entity types.
const (
	EntityCompany      = "company"
	EntityPerson       = "person"
	EntityOrganization = "organization"
	EntityProduct      = "product"
)

// Resource is one monitored URL under an entity.
type Resource struct {
	ID            int64     `json:"id"`
	EntityID      int64     `json:"entity_id"`
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	ResourceType  string    `json:"resource_type"`
	Enabled       bool      `json:"enabled"`
	LastCheckedAt time.Time `json:"last_checked_at,omitzero"`
	LastChangedAt time.Time `json:"last_changed_at,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
}

// Resource types.
const (
	ResourceBlog      = "blog"
	ResourceRepo      = "repo"
	ResourcePricing   = "pricing"
	ResourceJobs      = "jobs"
	ResourceChangelog = "changelog"
	ResourceDeals     = "deals"
)

// Snapshot is an immutable capture of a resource's content.
type Snapshot struct {
	ID              int64     `json:"id"`
	ResourceID      int64     `json:"resource_id"`
	ContentHash     string    `json:"content_hash"`
	ContentMarkdown string    `json:"content_markdown"`
	HasChanges      bool      `json:"has_changes"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Digest is a short AI-written description of a snapshot or a change.
type Digest struct {
	ID         int64     `json:"id"`
	ResourceID int64     `json:"resource_id"`
	SnapshotID int64     `json:"snapshot_id"`
	Summary    string    `json:"summary"`
	ChangeType string    `json:"change_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Digest change types.
const (
	ChangeNewPost       = "new_post"
	ChangePriceChange   = "price_change"
	ChangeNewRelease    = "new_release"
	ChangeNewJob        = "new_job"
	ChangeNewDeal       = "new_deal"
	ChangeContentUpdate = "content_update"
	ChangeNewFeature    = "new_feature"
	ChangeBaseline      = "baseline"
)

// Subscriber routes digests for a topic, entity or resource to a channel.
// Exactly one of TopicID, EntityID, ResourceID is set.
type Subscriber struct {
	ID            int64     `json:"id"`
	ChannelType   string    `json:"channel_type"`
	ChannelConfig string    `json:"channel_config"`
	TopicID       int64     `json:"topic_id,omitempty"`
	EntityID      int64     `json:"entity_id,omitempty"`
	ResourceID    int64     `json:"resource_id,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
}

// Subscriber channel types.
const (
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
)

// DashboardToken is an API credential. Only the SHA-256 of the raw token is
// stored; the prefix exists for display.
type DashboardToken struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	TokenPrefix string    `json:"token_prefix"`
	Enabled     bool      `json:"enabled"`
	LastUsedAt  time.Time `json:"last_used_at,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
}
