package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tilegate/tilegate/errs"
	"github.com/tilegate/tilegate/internal/bus"
	"github.com/tilegate/tilegate/internal/tracker"
	"github.com/tilegate/tilegate/internal/windshaft"
)

type fakeClient struct {
	mu     sync.Mutex
	calls  int
	defs   []json.RawMessage
	params []windshaft.Params
	resp   *windshaft.Response
	err    error
}

func (c *fakeClient) Instantiate(_ context.Context, definition json.RawMessage, params windshaft.Params) (*windshaft.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.defs = append(c.defs, definition)
	c.params = append(c.params, params)
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeClient) lastParams() windshaft.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.params) == 0 {
		return windshaft.Params{}
	}
	return c.params[len(c.params)-1]
}

type fakeSource struct {
	raw      json.RawMessage
	err      error
	doPanic  bool
	panicMsg string
}

func (s *fakeSource) Definition() (json.RawMessage, error) {
	if s.doPanic {
		panic(s.panicMsg)
	}
	return s.raw, s.err
}

type stateUpdate struct {
	resp     *windshaft.Response
	sourceID string
	force    bool
}

type fakeUpdater struct {
	mu      sync.Mutex
	updates []stateUpdate
	errSets [][]*errs.E
}

func (u *fakeUpdater) UpdateState(resp *windshaft.Response, sourceID string, forceFetch bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, stateUpdate{resp: resp, sourceID: sourceID, force: forceFetch})
}

func (u *fakeUpdater) SetErrors(errors []*errs.E) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errSets = append(u.errSets, errors)
}

func (u *fakeUpdater) lastUpdate() (stateUpdate, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.updates) == 0 {
		return stateUpdate{}, false
	}
	return u.updates[len(u.updates)-1], true
}

func (u *fakeUpdater) lastErrors() ([]*errs.E, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.errSets) == 0 {
		return nil, false
	}
	return u.errSets[len(u.errSets)-1], true
}

type staticFilter struct {
	empty  bool
	fields map[string]any
}

func (f staticFilter) IsEmpty() bool          { return f.empty }
func (f staticFilter) ToJSON() map[string]any { return f.fields }

type staticDataview struct{ filter Filter }

func (d staticDataview) Filter() Filter { return d.filter }

type sliceDataviews []Dataview

func (s sliceDataviews) Each(fn func(Dataview)) {
	for _, dv := range s {
		fn(dv)
	}
}

func sampleResponse() *windshaft.Response {
	return &windshaft.Response{
		LayerGroupID: "lg-1",
		Metadata: windshaft.Metadata{
			Layers: []windshaft.Layer{
				{Type: "mapnik", Meta: map[string]any{"cartocss": "#a{}"}},
				{Type: "torque", Meta: map[string]any{"steps": float64(10)}},
			},
		},
	}
}

func testConfig() Config {
	return Config{
		Account:     "acme",
		URLTemplate: "https://{user}.example.com",
		StatTag:     "tag-1",
		APIKey:      "key-1",
	}
}

func createAndWait(t *testing.T, e *Engine, opts CreateOptions) (resp *windshaft.Response, failure []*errs.E) {
	t.Helper()
	done := make(chan struct{})
	userSuccess := opts.OnSuccess
	userError := opts.OnError
	opts.OnSuccess = func(r *windshaft.Response) {
		resp = r
		if userSuccess != nil {
			userSuccess(r)
		}
		close(done)
	}
	opts.OnError = func(list []*errs.E) {
		failure = list
		if userError != nil {
			userError(list)
		}
		close(done)
	}
	e.CreateInstance(context.Background(), opts)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("no callback fired within timeout")
	}
	return resp, failure
}

func TestCreateInstanceSuccessFlow(t *testing.T) {
	client := &fakeClient{resp: sampleResponse()}
	updater := &fakeUpdater{}
	e := New(testConfig(), client, &fakeSource{raw: json.RawMessage(`{"layers":[]}`)},
		WithStateUpdater(updater))

	resp, failure := createAndWait(t, e, CreateOptions{SourceID: "src-1", ForceFetch: true})
	if failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	if resp == nil || resp.LayerGroupID != "lg-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	update, ok := updater.lastUpdate()
	if !ok {
		t.Fatalf("expected a state update")
	}
	if update.sourceID != "src-1" || !update.force {
		t.Fatalf("source id and force flag must be forwarded: %+v", update)
	}
	if update.resp != resp {
		t.Fatalf("state updater must receive the full response")
	}

	meta := e.Metadata()
	if meta == nil || meta.LayerGroupID != "lg-1" {
		t.Fatalf("metadata not replaced from response: %+v", meta)
	}
	if meta.Account != "acme" || meta.URLTemplate != "https://{user}.example.com" {
		t.Fatalf("config fallbacks not applied: %+v", meta)
	}
}

func TestCreateInstanceGeneratesSourceID(t *testing.T) {
	client := &fakeClient{resp: sampleResponse()}
	updater := &fakeUpdater{}
	e := New(testConfig(), client, &fakeSource{raw: json.RawMessage(`{}`)}, WithStateUpdater(updater))

	if _, failure := createAndWait(t, e, CreateOptions{}); failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	update, ok := updater.lastUpdate()
	if !ok || update.sourceID == "" {
		t.Fatalf("expected a generated source id, got %+v", update)
	}
}

func TestInstantiationCeilingRejectsFourthIdenticalCall(t *testing.T) {
	client := &fakeClient{resp: sampleResponse()}
	e := New(testConfig(), client, &fakeSource{raw: json.RawMessage(`{"layers":[]}`)})

	for i := 0; i < 3; i++ {
		if _, failure := createAndWait(t, e, CreateOptions{SourceID: "same"}); failure != nil {
			t.Fatalf("call %d should succeed, got %v", i+1, failure)
		}
	}
	if got := client.callCount(); got != 3 {
		t.Fatalf("expected 3 backend calls, got %d", got)
	}

	_, failure := createAndWait(t, e, CreateOptions{SourceID: "same"})
	if failure == nil {
		t.Fatalf("fourth identical call must fail locally")
	}
	if len(failure) != 1 || failure[0].Code != errs.CodeLimit {
		t.Fatalf("expected a single limit_exceeded error, got %v", failure)
	}
	if got := client.callCount(); got != 3 {
		t.Fatalf("local rejection must not contact the backend, calls=%d", got)
	}
}

func TestDistinctRequestsBypassCeiling(t *testing.T) {
	client := &fakeClient{resp: sampleResponse()}
	source := &fakeSource{raw: json.RawMessage(`{"v":1}`)}
	e := New(testConfig(), client, source)

	for i := 0; i < 3; i++ {
		if _, failure := createAndWait(t, e, CreateOptions{}); failure != nil {
			t.Fatalf("unexpected failure: %v", failure)
		}
	}

	source.raw = json.RawMessage(`{"v":2}`)
	if _, failure := createAndWait(t, e, CreateOptions{}); failure != nil {
		t.Fatalf("a structurally different request must pass the gate: %v", failure)
	}
	if got := client.callCount(); got != 4 {
		t.Fatalf("expected 4 backend calls, got %d", got)
	}
}

func TestBuildFailureIsRecordedAndNormalized(t *testing.T) {
	client := &fakeClient{resp: sampleResponse()}
	updater := &fakeUpdater{}
	e := New(testConfig(), client, &fakeSource{err: errSentinel}, WithStateUpdater(updater))

	_, failure := createAndWait(t, e, CreateOptions{SourceID: "src-b"})
	if len(failure) != 1 || failure[0].Code != errs.CodeBuild {
		t.Fatalf("expected exactly one build_failed error, got %v", failure)
	}
	if got := client.callCount(); got != 0 {
		t.Fatalf("build failures must not reach the backend, calls=%d", got)
	}
	if got := e.Tracker().Len(); got != 1 {
		t.Fatalf("a failed build still counts as a tracked attempt, records=%d", got)
	}
	if set, ok := updater.lastErrors(); !ok || len(set) != 1 {
		t.Fatalf("dependent error state must receive the build failure, got %v", set)
	}
}

func TestUnencodableDefinitionsKeepDistinctCeilingBuckets(t *testing.T) {
	client := &fakeClient{resp: sampleResponse()}
	e := New(testConfig(), client, &fakeSource{raw: json.RawMessage(`{broken`)})

	_, failure := createAndWait(t, e, CreateOptions{SourceID: "src-u1"})
	if len(failure) != 1 || failure[0].Code != errs.CodeBuild {
		t.Fatalf("expected one build_failed error, got %v", failure)
	}
	if got := e.Tracker().Len(); got != 1 {
		t.Fatalf("expected one tracked record, got %d", got)
	}

	// A different broken payload must count in its own bucket, not pile onto
	// the first one's ceiling.
	e2 := New(testConfig(), client, &fakeSource{raw: json.RawMessage(`[also broken`)})
	e2.tracker = e.tracker
	createAndWait(t, e2, CreateOptions{SourceID: "src-u2"})
	if got := e.Tracker().Len(); got != 2 {
		t.Fatalf("distinct unencodable payloads must track separately, records=%d", got)
	}

	// Repeats of the same broken payload share a bucket and hit the ceiling.
	for i := 0; i < tracker.DefaultLimit; i++ {
		createAndWait(t, e, CreateOptions{})
	}
	_, failure = createAndWait(t, e, CreateOptions{})
	if len(failure) != 1 || failure[0].Code != errs.CodeLimit {
		t.Fatalf("expected the repeated broken payload to hit the ceiling, got %v", failure)
	}
}

func TestBuildPanicIsCaught(t *testing.T) {
	client := &fakeClient{resp: sampleResponse()}
	e := New(testConfig(), client, &fakeSource{doPanic: true, panicMsg: "dependent model exploded"})

	_, failure := createAndWait(t, e, CreateOptions{})
	if len(failure) != 1 || failure[0].Code != errs.CodeBuild {
		t.Fatalf("expected the panic wrapped into one build error, got %v", failure)
	}
}

func TestBackendErrorsAreNormalized(t *testing.T) {
	client := &fakeClient{err: &windshaft.Error{
		Status:  400,
		Payload: windshaft.ErrorPayload{Errors: []string{"primary", "secondary"}},
	}}
	updater := &fakeUpdater{}
	e := New(testConfig(), client, &fakeSource{raw: json.RawMessage(`{}`)}, WithStateUpdater(updater))

	_, failure := createAndWait(t, e, CreateOptions{})
	if len(failure) != 1 {
		t.Fatalf("expected only the first plain error surfaced, got %v", failure)
	}
	if failure[0].Message != "primary" {
		t.Fatalf("unexpected normalized message %q", failure[0].Message)
	}
	if failure[0].HTTP != 400 {
		t.Fatalf("expected the backend status carried through, got %d", failure[0].HTTP)
	}
	if set, ok := updater.lastErrors(); !ok || len(set) != 1 {
		t.Fatalf("error state must receive the normalized list, got %v", set)
	}
	if got := e.Tracker().Len(); got != 1 {
		t.Fatalf("failed attempts must be recorded, records=%d", got)
	}
}

func TestCredentialPrecedence(t *testing.T) {
	cfg := testConfig()
	cfg.AuthToken = "token-1"
	client := &fakeClient{resp: sampleResponse()}
	e := New(cfg, client, &fakeSource{raw: json.RawMessage(`{}`)})

	if _, failure := createAndWait(t, e, CreateOptions{}); failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	params := client.lastParams()
	if params.APIKey != "key-1" || params.AuthToken != "" {
		t.Fatalf("api key must take precedence over the auth token: %+v", params)
	}

	cfg.APIKey = ""
	client2 := &fakeClient{resp: sampleResponse()}
	e2 := New(cfg, client2, &fakeSource{raw: json.RawMessage(`{}`)})
	if _, failure := createAndWait(t, e2, CreateOptions{}); failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	if params := client2.lastParams(); params.AuthToken != "token-1" {
		t.Fatalf("auth token must be used without an api key: %+v", params)
	}
}

func TestIncludeFiltersFoldsDataviews(t *testing.T) {
	client := &fakeClient{resp: sampleResponse()}
	dataviews := sliceDataviews{
		staticDataview{filter: staticFilter{fields: map[string]any{"dv": map[string]any{"accept": []any{"a"}}, "shared": "first"}}},
		staticDataview{filter: staticFilter{empty: true, fields: map[string]any{"ignored": true}}},
		staticDataview{filter: nil},
		staticDataview{filter: staticFilter{fields: map[string]any{"shared": "second"}}},
	}
	e := New(testConfig(), client, &fakeSource{raw: json.RawMessage(`{}`)}, WithDataviews(dataviews))

	if _, failure := createAndWait(t, e, CreateOptions{IncludeFilters: true}); failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}

	params := client.lastParams()
	bucket, ok := params.Filters["dataviews"].(map[string]any)
	if !ok {
		t.Fatalf("expected the shared dataviews bucket, got %+v", params.Filters)
	}
	if bucket["shared"] != "second" {
		t.Fatalf("later dataviews must overwrite shared keys, got %v", bucket["shared"])
	}
	if _, ok := bucket["dv"]; !ok {
		t.Fatalf("non-empty filters must be merged, got %+v", bucket)
	}
	if _, ok := bucket["ignored"]; ok {
		t.Fatalf("empty filters must be skipped")
	}
}

func TestFiltersOmittedWithoutFlag(t *testing.T) {
	client := &fakeClient{resp: sampleResponse()}
	dataviews := sliceDataviews{
		staticDataview{filter: staticFilter{fields: map[string]any{"dv": true}}},
	}
	e := New(testConfig(), client, &fakeSource{raw: json.RawMessage(`{}`)}, WithDataviews(dataviews))

	if _, failure := createAndWait(t, e, CreateOptions{IncludeFilters: false}); failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	if params := client.lastParams(); params.Filters != nil {
		t.Fatalf("filters must be omitted when the flag is unset: %+v", params.Filters)
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, created, err := b.Subscribe(ctx, bus.EventInstanceCreated)
	if err != nil {
		t.Fatalf("subscribe created: %v", err)
	}
	_, failed, err := b.Subscribe(ctx, bus.EventInstanceFailed)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	client := &fakeClient{resp: sampleResponse()}
	e := New(testConfig(), client, &fakeSource{raw: json.RawMessage(`{}`)}, WithBus(b))

	if _, failure := createAndWait(t, e, CreateOptions{SourceID: "src-evt"}); failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	select {
	case evt := <-created:
		if evt.LayerGroupID != "lg-1" || evt.SourceID != "src-evt" {
			t.Fatalf("unexpected created event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("created event not published")
	}

	client.mu.Lock()
	client.err = &windshaft.Error{Payload: windshaft.ErrorPayload{Errors: []string{"boom"}}}
	client.mu.Unlock()

	createAndWait(t, e, CreateOptions{SourceID: "src-evt"})
	select {
	case evt := <-failed:
		if len(evt.Errors) != 1 || evt.Errors[0].Message != "boom" {
			t.Fatalf("unexpected failed event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("failed event not published")
	}
}

func TestCreateDeliversSingleResult(t *testing.T) {
	client := &fakeClient{resp: sampleResponse()}
	e := New(testConfig(), client, &fakeSource{raw: json.RawMessage(`{}`)})

	select {
	case result := <-e.Create(context.Background(), CreateOptions{}):
		if result.Response == nil || result.Errors != nil {
			t.Fatalf("expected a success result, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no result delivered")
	}

	failing := New(testConfig(), &fakeClient{err: &windshaft.Error{
		Payload: windshaft.ErrorPayload{Errors: []string{"down"}},
	}}, &fakeSource{raw: json.RawMessage(`{}`)})

	select {
	case result := <-failing.Create(context.Background(), CreateOptions{}):
		if result.Response != nil || len(result.Errors) != 1 {
			t.Fatalf("expected a failure result, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no result delivered")
	}
}

var errSentinel = errors.New("dependent model failed")
