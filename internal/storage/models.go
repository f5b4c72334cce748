package storage

import "time"

// Kind names one of the persisted record families.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindScrape       Kind = "scrape"
	KindAnalysis     Kind = "analysis"
)

func (k Kind) Valid() bool {
	switch k {
	case KindConversation, KindScrape, KindAnalysis:
		return true
	}
	return false
}

// Kinds lists every record kind, in the order forget(all) walks them.
func Kinds() []Kind {
	return []Kind{KindConversation, KindScrape, KindAnalysis}
}

// Record is implemented by the three persisted record types. Records
// are immutable once written; only forget operations remove them.
type Record interface {
	RecordKind() Kind
	Session() string
	Stamp() time.Time
}

type Session struct {
	ID        string
	CreatedAt time.Time
}

type ConversationTurn struct {
	ID        int64
	SessionID string
	Timestamp time.Time
	Provider  string
	Prompt    string
	Response  string
}

func (t ConversationTurn) RecordKind() Kind { return KindConversation }
func (t ConversationTurn) Session() string  { return t.SessionID }
func (t ConversationTurn) Stamp() time.Time { return t.Timestamp }

type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// Table keeps rows as header-keyed maps, one map per body row.
type Table []map[string]string

type ScrapeRecord struct {
	ID        int64
	SessionID string
	Timestamp time.Time
	URL       string
	Text      string
	Links     []Link
	Tables    []Table
}

func (r ScrapeRecord) RecordKind() Kind { return KindScrape }
func (r ScrapeRecord) Session() string  { return r.SessionID }
func (r ScrapeRecord) Stamp() time.Time { return r.Timestamp }

type ColumnStats struct {
	DType   string   `json:"dtype"`
	Missing int      `json:"missing"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Mean    *float64 `json:"mean,omitempty"`
	Median  *float64 `json:"median,omitempty"`
	StdDev  *float64 `json:"stddev,omitempty"`
}

type AnalysisRecord struct {
	ID         int64
	SessionID  string
	Timestamp  time.Time
	DatasetRef string
	Operation  string
	Stats      map[string]ColumnStats
	Artifacts  []string
}

func (r AnalysisRecord) RecordKind() Kind { return KindAnalysis }
func (r AnalysisRecord) Session() string  { return r.SessionID }
func (r AnalysisRecord) Stamp() time.Time { return r.Timestamp }

// ProviderSettings describes how to reach one LLM backend. Credentials
// never live here; they sit in Configuration.Credentials as encrypted
// envelopes.
type ProviderSettings struct {
	Kind    string `json:"kind"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

// Configuration is the single live settings object, overwritten as a
// whole on every save.
type Configuration struct {
	DefaultProvider string                      `json:"default_provider"`
	Providers       map[string]ProviderSettings `json:"providers"`
	// Credentials maps provider name to a secrets envelope (JSON string).
	Credentials map[string]string `json:"credentials"`
	Preferences map[string]string `json:"preferences"`
	MaxContext  int               `json:"max_context"`
}

// DefaultConfiguration mirrors the providers the assistant ships with.
func DefaultConfiguration() Configuration {
	return Configuration{
		DefaultProvider: "gemini",
		Providers: map[string]ProviderSettings{
			"gemini":  {Kind: "gemini", BaseURL: "https://generativelanguage.googleapis.com", Model: "gemini-pro"},
			"mistral": {Kind: "openai_compat", BaseURL: "https://api.mistral.ai/v1", Model: "mistral-small-latest"},
			"groq":    {Kind: "openai_compat", BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.1-8b-instant"},
			"ollama":  {Kind: "ollama", BaseURL: "http://127.0.0.1:11434", Model: "llama3"},
		},
		Credentials: map[string]string{},
		Preferences: map[string]string{},
		MaxContext:  10,
	}
}
