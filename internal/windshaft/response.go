// Package windshaft implements the maps-backend wire protocol: instantiation
// requests, response metadata and error-payload normalization.
package windshaft

import (
	json "github.com/goccy/go-json"

	"github.com/tilegate/tilegate/internal/resolver"
)

// Layer describes one rendered layer returned by the backend.
type Layer struct {
	ID      string                    `json:"id,omitempty"`
	Type    string                    `json:"type"`
	Meta    map[string]any            `json:"meta,omitempty"`
	Widgets map[string]map[string]any `json:"widgets,omitempty"`
}

// Analysis groups the metadata of every node belonging to one analysis.
type Analysis struct {
	Nodes map[string]map[string]any `json:"nodes"`
}

// Metadata carries the per-instance descriptor tables.
type Metadata struct {
	Layers    []Layer                   `json:"layers"`
	Dataviews map[string]map[string]any `json:"dataviews,omitempty"`
	Analyses  []Analysis                `json:"analyses,omitempty"`
}

// Response is a successful instantiation result.
type Response struct {
	LayerGroupID string             `json:"layergroupid"`
	Metadata     Metadata           `json:"metadata"`
	CDNURL       resolver.CDNHosts  `json:"cdn_url"`
	URLTemplate  string             `json:"url_template,omitempty"`
	Account      string             `json:"account,omitempty"`
	LastUpdated  string             `json:"last_updated,omitempty"`
}

// Params are the auxiliary request parameters sent alongside the definition.
// Exactly one of APIKey or AuthToken is populated by the orchestrator.
type Params struct {
	StatTag   string         `json:"stat_tag,omitempty"`
	APIKey    string         `json:"api_key,omitempty"`
	AuthToken string         `json:"auth_token,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
}

// QueryValues renders the params as URL query pairs. The filter tree is
// JSON-encoded into a single value.
func (p Params) QueryValues() (map[string]string, error) {
	values := make(map[string]string, 4)
	if p.StatTag != "" {
		values["stat_tag"] = p.StatTag
	}
	if p.APIKey != "" {
		values["api_key"] = p.APIKey
	} else if p.AuthToken != "" {
		values["auth_token"] = p.AuthToken
	}
	if len(p.Filters) > 0 {
		encoded, err := json.Marshal(p.Filters)
		if err != nil {
			return nil, err
		}
		values["filters"] = string(encoded)
	}
	return values, nil
}
