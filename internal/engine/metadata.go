package engine

import (
	"github.com/tilegate/tilegate/internal/resolver"
	"github.com/tilegate/tilegate/internal/windshaft"
)

// MapMetadata is the retained subset of a successful instantiation response.
// It is replaced wholesale on every success; layers, dataviews and analyses
// always originate from the same response.
type MapMetadata struct {
	LayerGroupID string
	Layers       []windshaft.Layer
	Dataviews    map[string]map[string]any
	Analyses     []windshaft.Analysis
	CDN          resolver.CDNHosts
	URLTemplate  string
	Account      string
	LastUpdated  string
}

// newMapMetadata builds a snapshot from the response, falling back to the
// engine configuration for fields the backend omitted.
func newMapMetadata(cfg Config, resp *windshaft.Response) *MapMetadata {
	meta := &MapMetadata{
		LayerGroupID: resp.LayerGroupID,
		Layers:       resp.Metadata.Layers,
		Dataviews:    resp.Metadata.Dataviews,
		Analyses:     resp.Metadata.Analyses,
		CDN:          resp.CDNURL,
		URLTemplate:  resp.URLTemplate,
		Account:      resp.Account,
		LastUpdated:  resp.LastUpdated,
	}
	if meta.URLTemplate == "" {
		meta.URLTemplate = cfg.URLTemplate
	}
	if meta.Account == "" {
		meta.Account = cfg.Account
	}
	return meta
}

func (m *MapMetadata) endpoint(basePath string) resolver.Endpoint {
	return resolver.Endpoint{
		Account:     m.Account,
		URLTemplate: m.URLTemplate,
		CDN:         m.CDN,
		BasePath:    basePath,
	}
}

// Metadata returns the current snapshot, or nil before the first success.
func (e *Engine) Metadata() *MapMetadata {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.meta
}

// LayerIndexesByType resolves the indexes of every layer with the given type.
func (e *Engine) LayerIndexesByType(layerType string) []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.meta == nil {
		return nil
	}
	var indexes []int
	for i, layer := range e.meta.Layers {
		if layer.Type == layerType {
			indexes = append(indexes, i)
		}
	}
	return indexes
}

// LayerMetadata returns the metadata object of the layer at the given index,
// exactly as the backend delivered it.
func (e *Engine) LayerMetadata(index int) (map[string]any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.meta == nil || index < 0 || index >= len(e.meta.Layers) {
		return nil, false
	}
	return e.meta.Layers[index].Meta, true
}

// DataviewMetadata looks up a dataview's metadata: the direct dataview table
// first, then every layer's own widget table, merging all matches.
func (e *Engine) DataviewMetadata(dataviewID string) (map[string]any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.meta == nil {
		return nil, false
	}
	if meta, ok := e.meta.Dataviews[dataviewID]; ok {
		return meta, true
	}
	var merged map[string]any
	for _, layer := range e.meta.Layers {
		widget, ok := layer.Widgets[dataviewID]
		if !ok {
			continue
		}
		if merged == nil {
			merged = make(map[string]any, len(widget))
		}
		for key, value := range widget {
			merged[key] = value
		}
	}
	if merged == nil {
		return nil, false
	}
	return merged, true
}

// AnalysisNodeMetadata looks up an analysis node's metadata by id across all
// analysis node tables.
func (e *Engine) AnalysisNodeMetadata(nodeID string) (map[string]any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.meta == nil {
		return nil, false
	}
	for _, analysis := range e.meta.Analyses {
		if node, ok := analysis.Nodes[nodeID]; ok {
			return node, true
		}
	}
	return nil, false
}

// SupportedSubdomains returns the subhost labels valid for the current URL
// template's protocol.
func (e *Engine) SupportedSubdomains() []string {
	e.mu.RLock()
	template := e.cfg.URLTemplate
	if e.meta != nil && e.meta.URLTemplate != "" {
		template = e.meta.URLTemplate
	}
	e.mu.RUnlock()
	return resolver.SupportedSubdomains(template)
}

// BaseURL resolves the tile-serving base URL for the current instance using
// the given subhost label. Before the first success it returns the empty
// string.
func (e *Engine) BaseURL(subhost string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.meta == nil {
		return ""
	}
	return resolver.BaseURL(e.meta.endpoint(e.cfg.BasePath), e.meta.LayerGroupID, subhost)
}
