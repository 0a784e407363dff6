// Package engine orchestrates map instantiation against the rendering backend:
// it builds requests, gates them through the instantiation ceiling, reconciles
// asynchronous outcomes into metadata state and notifies dependent
// collaborators.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tilegate/tilegate/errs"
	"github.com/tilegate/tilegate/internal/bus"
	"github.com/tilegate/tilegate/internal/fingerprint"
	"github.com/tilegate/tilegate/internal/observability"
	"github.com/tilegate/tilegate/internal/tracker"
	"github.com/tilegate/tilegate/internal/windshaft"
)

// Config carries the engine's static request parameters.
type Config struct {
	Account     string
	URLTemplate string
	BasePath    string
	StatTag     string
	// APIKey wins over AuthToken when both are configured.
	APIKey    string
	AuthToken string

	InstantiationLimit int
	TrackerCapacity    int
}

// Engine is the map-instantiation orchestrator. MapMetadata and tracker state
// are owned here exclusively and mutated only from completion handling.
type Engine struct {
	cfg         Config
	client      windshaft.Client
	definitions DefinitionSource
	tracker     *tracker.Tracker
	dataviews   DataviewCollection
	updater     StateUpdater
	bus         bus.Bus

	mu   sync.RWMutex
	meta *MapMetadata

	attemptCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter
	durationHist    metric.Float64Histogram
}

// New constructs an engine around the backend client and definition source.
func New(cfg Config, client windshaft.Client, definitions DefinitionSource, opts ...Option) *Engine {
	e := new(Engine)
	e.cfg = cfg
	e.client = client
	e.definitions = definitions
	e.tracker = tracker.New(cfg.InstantiationLimit, cfg.TrackerCapacity)

	meter := otel.Meter("engine")
	e.attemptCounter, _ = meter.Int64Counter("engine.instantiations",
		metric.WithDescription("Number of instantiation attempts by result"),
		metric.WithUnit("{attempt}"))
	e.rejectedCounter, _ = meter.Int64Counter("engine.instantiations.rejected",
		metric.WithDescription("Number of requests rejected by the instantiation ceiling"),
		metric.WithUnit("{request}"))
	e.durationHist, _ = meter.Float64Histogram("engine.instantiation.duration",
		metric.WithDescription("Latency of backend instantiation calls"),
		metric.WithUnit("ms"))

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Tracker exposes the request tracker, primarily for introspection.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// CreateInstance builds and submits one instantiation request. All failure
// kinds, local or remote, funnel into the error callback and the dependent
// error state; nothing escapes as a panic or unhandled error. The success and
// error callbacks fire exactly once per call, after the request's own outcome;
// responses across distinct calls carry no ordering guarantee.
func (e *Engine) CreateInstance(ctx context.Context, opts CreateOptions) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SourceID == "" {
		opts.SourceID = uuid.NewString()
	}

	definition, params, buildErr := e.buildRequest(opts)

	key, err := fingerprint.Compute(definition, params)
	if err != nil {
		// Fall back to a digest of the raw bytes so unencodable payloads keep
		// distinct ceiling buckets instead of all colliding on one key.
		key = fingerprint.Raw(definition)
		if buildErr == nil {
			buildErr = err
		}
	}

	if buildErr != nil {
		// A failed build still counts as an attempt so repeated broken state
		// changes hit the ceiling instead of looping forever.
		e.tracker.Record(ctx, key, buildErr)
		failure := errs.New("engine", errs.CodeBuild,
			errs.WithMessage("instantiation payload could not be built"),
			errs.WithCause(buildErr),
			errs.WithContextField("source_id", opts.SourceID))
		observability.Log().Error("instantiation build failed",
			observability.F("source_id", opts.SourceID),
			observability.F("error", buildErr))
		e.recordResult(ctx, "build_failed")
		e.fail(ctx, opts, []*errs.E{failure})
		return
	}

	if !e.tracker.CanBePerformed(key) {
		observability.Log().Warn("instantiation ceiling reached",
			observability.F("fingerprint", string(key)),
			observability.F("limit", e.tracker.Limit()),
			observability.F("source_id", opts.SourceID),
			observability.F("payload", string(definition)),
			observability.F("stat_tag", params.StatTag))
		if e.rejectedCounter != nil {
			e.rejectedCounter.Add(ctx, 1)
		}
		rejection := errs.New("engine", errs.CodeLimit,
			errs.WithMessage(fmt.Sprintf("identical request already sent %d times", e.tracker.Limit())),
			errs.WithContextField("fingerprint", string(key)),
			errs.WithContextField("source_id", opts.SourceID))
		e.fail(ctx, opts, []*errs.E{rejection})
		return
	}

	go e.perform(ctx, key, definition, params, opts)
}

// Result is the resolved outcome of one instantiation request. Exactly one of
// Response or Errors is set.
type Result struct {
	Response *windshaft.Response
	Errors   []*errs.E
}

// Create submits the request and returns a buffered channel that receives
// exactly one Result when the request resolves. Any configured callbacks fire
// before the result is delivered.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) <-chan Result {
	out := make(chan Result, 1)
	userSuccess := opts.OnSuccess
	userError := opts.OnError
	opts.OnSuccess = func(resp *windshaft.Response) {
		if userSuccess != nil {
			userSuccess(resp)
		}
		out <- Result{Response: resp, Errors: nil}
	}
	opts.OnError = func(list []*errs.E) {
		if userError != nil {
			userError(list)
		}
		out <- Result{Response: nil, Errors: list}
	}
	e.CreateInstance(ctx, opts)
	return out
}

// buildRequest assembles the definition and params, converting panics from
// dependent models into ordinary build errors.
func (e *Engine) buildRequest(opts CreateOptions) (definition json.RawMessage, params windshaft.Params, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build panic: %v", r)
		}
	}()

	params = windshaft.Params{StatTag: e.cfg.StatTag}
	if e.cfg.APIKey != "" {
		params.APIKey = e.cfg.APIKey
	} else if e.cfg.AuthToken != "" {
		params.AuthToken = e.cfg.AuthToken
	}

	definition, err = e.definitions.Definition()
	if err != nil {
		return nil, params, fmt.Errorf("definition: %w", err)
	}

	if opts.IncludeFilters {
		params.Filters = collectFilters(e.dataviews)
	}
	return definition, params, nil
}

// perform runs the backend call and reconciles its outcome. It is the only
// writer of MapMetadata.
func (e *Engine) perform(ctx context.Context, key fingerprint.Key, definition json.RawMessage, params windshaft.Params, opts CreateOptions) {
	start := time.Now()
	resp, err := e.client.Instantiate(ctx, definition, params)
	elapsed := time.Since(start)

	if err != nil {
		e.tracker.Record(ctx, key, err)
		e.recordResult(ctx, "failure")
		e.recordDuration(ctx, elapsed, "failure")
		observability.Log().Error("instantiation failed",
			observability.F("source_id", opts.SourceID),
			observability.F("error", err))
		e.fail(ctx, opts, normalizeClientError(err))
		return
	}

	e.tracker.Record(ctx, key, resp)
	e.recordResult(ctx, "success")
	e.recordDuration(ctx, elapsed, "success")

	snapshot := newMapMetadata(e.cfg, resp)
	e.mu.Lock()
	e.meta = snapshot
	e.mu.Unlock()

	observability.Log().Info("instance created",
		observability.F("layergroup_id", resp.LayerGroupID),
		observability.F("source_id", opts.SourceID),
		observability.F("layers", len(resp.Metadata.Layers)))

	if e.updater != nil {
		e.updater.UpdateState(resp, opts.SourceID, opts.ForceFetch)
	}
	e.publish(ctx, &bus.Event{
		Type:         bus.EventInstanceCreated,
		SourceID:     opts.SourceID,
		LayerGroupID: resp.LayerGroupID,
		Response:     resp,
		At:           time.Now().UTC(),
	})
	if opts.OnSuccess != nil {
		opts.OnSuccess(resp)
	}
}

// fail forwards the normalized error list through every failure channel: the
// dependent error state, the event bus and the caller's error callback.
func (e *Engine) fail(ctx context.Context, opts CreateOptions, errors []*errs.E) {
	if e.updater != nil {
		e.updater.SetErrors(errors)
	}
	e.publish(ctx, &bus.Event{
		Type:     bus.EventInstanceFailed,
		SourceID: opts.SourceID,
		Errors:   errors,
		At:       time.Now().UTC(),
	})
	if opts.OnError != nil {
		opts.OnError(errors)
	}
}

func (e *Engine) publish(ctx context.Context, evt *bus.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, evt); err != nil {
		observability.Log().Debug("event publish failed",
			observability.F("event_type", string(evt.Type)),
			observability.F("error", err))
	}
}

func (e *Engine) recordResult(ctx context.Context, result string) {
	if e.attemptCounter != nil {
		e.attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (e *Engine) recordDuration(ctx context.Context, elapsed time.Duration, result string) {
	if e.durationHist != nil {
		e.durationHist.Record(ctx, float64(elapsed.Milliseconds()),
			metric.WithAttributes(attribute.String("result", result)))
	}
}

// normalizeClientError turns a backend client failure into the uniform error
// list. Transport failures arrive pre-folded into the backend error shape.
func normalizeClientError(err error) []*errs.E {
	if werr, ok := err.(*windshaft.Error); ok {
		normalized := windshaft.Normalize(werr.Status, werr.Payload)
		if len(normalized) > 0 {
			return normalized
		}
	}
	return []*errs.E{errs.New("windshaft", errs.CodeNetwork,
		errs.WithMessage("instantiation call failed"),
		errs.WithCause(err))}
}
