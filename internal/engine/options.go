package engine

import (
	json "github.com/goccy/go-json"

	"github.com/tilegate/tilegate/errs"
	"github.com/tilegate/tilegate/internal/bus"
	"github.com/tilegate/tilegate/internal/tracker"
	"github.com/tilegate/tilegate/internal/windshaft"
)

// DefinitionSource supplies the serialized map definition for instantiation.
// The definition is owned by the caller and read-only to the engine.
type DefinitionSource interface {
	Definition() (json.RawMessage, error)
}

// Filter is the serializable filter attached to a dataview.
type Filter interface {
	IsEmpty() bool
	ToJSON() map[string]any
}

// Dataview exposes the single capability the engine consumes: its filter.
type Dataview interface {
	Filter() Filter
}

// DataviewCollection iterates the caller's dataviews for filter extraction.
type DataviewCollection interface {
	Each(fn func(Dataview))
}

// StateUpdater receives instantiation outcomes on behalf of dependent
// layer/dataview/analysis state.
type StateUpdater interface {
	UpdateState(resp *windshaft.Response, sourceID string, forceFetch bool)
	SetErrors(errors []*errs.E)
}

// CreateOptions parameterizes one CreateInstance call. Callbacks fire at most
// once each; exactly one of them fires per call.
type CreateOptions struct {
	// SourceID correlates the response with the state change that caused the
	// instantiation. Generated when empty.
	SourceID string
	// ForceFetch is forwarded to the state updater untouched.
	ForceFetch bool
	// IncludeFilters folds non-empty dataview filters into the request params.
	IncludeFilters bool

	OnSuccess func(*windshaft.Response)
	OnError   func([]*errs.E)
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithDataviews wires the dataview collection used for filter extraction.
func WithDataviews(collection DataviewCollection) Option {
	return func(e *Engine) {
		e.dataviews = collection
	}
}

// WithStateUpdater wires the dependent-state updater.
func WithStateUpdater(updater StateUpdater) Option {
	return func(e *Engine) {
		e.updater = updater
	}
}

// WithBus wires the event bus for instance lifecycle notifications.
func WithBus(b bus.Bus) Option {
	return func(e *Engine) {
		e.bus = b
	}
}

// WithTracker replaces the default request tracker.
func WithTracker(t *tracker.Tracker) Option {
	return func(e *Engine) {
		e.tracker = t
	}
}
