// Package resolver maps account, URL template and CDN metadata to tile-serving
// base URLs.
package resolver

import (
	"strings"
)

// DefaultBasePath is the maps API path segment between host and layergroup id.
const DefaultBasePath = "api/v1/map"

// CDNHosts carries per-protocol override hostnames delivered by the backend.
type CDNHosts struct {
	HTTP  string `json:"http"`
	HTTPS string `json:"https"`
}

// IsZero reports whether no CDN host was provided for either protocol.
func (c CDNHosts) IsZero() bool {
	return c.HTTP == "" && c.HTTPS == ""
}

// Endpoint describes everything needed to resolve a tile-serving base URL.
type Endpoint struct {
	Account     string
	URLTemplate string
	CDN         CDNHosts
	BasePath    string
}

// httpSubdomains spreads browser connections across four sub-origins.
// HTTPS stays on a single origin.
var httpSubdomains = []string{"0", "1", "2", "3"}

// UseHTTPS reports whether the URL template selects the https protocol. The
// decision is a textual prefix check on the template, never on a resolved CDN
// host.
func UseHTTPS(urlTemplate string) bool {
	return strings.HasPrefix(urlTemplate, "https")
}

// SupportedSubdomains returns the subhost labels usable with the template's
// protocol: four numeric labels for http, only the empty label for https.
func SupportedSubdomains(urlTemplate string) []string {
	if UseHTTPS(urlTemplate) {
		return []string{""}
	}
	out := make([]string, len(httpSubdomains))
	copy(out, httpSubdomains)
	return out
}

// Host resolves the serving host for the endpoint. When a CDN host exists for
// the chosen protocol it wins, with the subhost label prefixed; otherwise the
// template is used with {user} substituted and both subhost and CDN ignored.
func Host(ep Endpoint, subhost string) string {
	protocol := "http"
	cdnHost := ep.CDN.HTTP
	if UseHTTPS(ep.URLTemplate) {
		protocol = "https"
		cdnHost = ep.CDN.HTTPS
	}
	if cdnHost != "" {
		prefix := ""
		if subhost != "" {
			prefix = subhost + "."
		}
		return protocol + "://" + prefix + cdnHost + "/" + ep.Account
	}
	return strings.ReplaceAll(ep.URLTemplate, "{user}", ep.Account)
}

// BaseURL joins the resolved host, the maps API base path and the layergroup
// id. The result is deterministic for identical inputs.
func BaseURL(ep Endpoint, layerGroupID, subhost string) string {
	basePath := ep.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	parts := []string{strings.TrimRight(Host(ep, subhost), "/"), strings.Trim(basePath, "/")}
	if layerGroupID != "" {
		parts = append(parts, layerGroupID)
	}
	return strings.Join(parts, "/")
}
