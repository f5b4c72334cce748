// Package capability defines the contract every capability module
// (chat, scrape, analyze) implements. Capabilities are pure with
// respect to persistence: they return a payload or an error and never
// touch storage themselves.
package capability

import (
	"context"
	"errors"
	"fmt"

	"deskagent/internal/storage"
)

// Request is a marker for the typed request of each variant.
type Request interface {
	RequestKind() storage.Kind
}

// Capability handles one request domain.
type Capability interface {
	Kind() storage.Kind
	Handle(ctx context.Context, req Request) (storage.Record, error)
}

// ChatRequest asks an LLM provider for a completion. Context carries
// the prior turns of the active session, oldest first. Credentials are
// resolved out-of-band by the capability, never carried here.
type ChatRequest struct {
	Provider string
	Prompt   string
	Context  []storage.ConversationTurn
}

func (ChatRequest) RequestKind() storage.Kind { return storage.KindConversation }

type ScrapeRequest struct {
	URL string
}

func (ScrapeRequest) RequestKind() storage.Kind { return storage.KindScrape }

type AnalyzeRequest struct {
	DatasetRef string
	Operation  string
	Params     map[string]string
}

func (AnalyzeRequest) RequestKind() storage.Kind { return storage.KindAnalysis }

// ErrInvalidCredential reports that no credential is configured for the
// selected provider.
var ErrInvalidCredential = errors.New("no credential configured for provider")

// ProviderError wraps a failure of an external LLM service.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// FetchError wraps a network, timeout, or HTTP status failure while
// fetching a page.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports malformed content that could not be extracted.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DataFormatError reports a dataset that could not be read as tabular
// data.
type DataFormatError struct {
	Ref string
	Err error
}

func (e *DataFormatError) Error() string {
	return fmt.Sprintf("dataset %s: %v", e.Ref, e.Err)
}

func (e *DataFormatError) Unwrap() error { return e.Err }
