package windshaft

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tilegate/tilegate/errs"
)

// ContextError is one entry of the backend's contextual-errors list.
type ContextError struct {
	Type     string         `json:"type,omitempty"`
	Subtype  string         `json:"subtype,omitempty"`
	Message  string         `json:"message"`
	Layer    map[string]any `json:"layer,omitempty"`
	Analysis map[string]any `json:"analysis,omitempty"`
}

// ErrorPayload mirrors the error body shapes the backend produces.
type ErrorPayload struct {
	Errors            []string       `json:"errors,omitempty"`
	ErrorsWithContext []ContextError `json:"errors_with_context,omitempty"`
}

// Error reports a failed instantiation call. Transport-level failures are
// folded into the payload's plain error list so the orchestrator treats both
// shapes through one channel.
type Error struct {
	Status  int
	Payload ErrorPayload
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{"windshaft instantiation failed"}
	if e.Status > 0 {
		parts = append(parts, "status="+strconv.Itoa(e.Status))
	}
	if len(e.Payload.ErrorsWithContext) > 0 {
		parts = append(parts, "errors="+strconv.Itoa(len(e.Payload.ErrorsWithContext)))
	} else if len(e.Payload.Errors) > 0 {
		parts = append(parts, "first="+strconv.Quote(e.Payload.Errors[0]))
	}
	return strings.Join(parts, " ")
}

// Normalize converts a backend error payload into a uniform error list, each
// entry carrying the response status when one is known. Contextual entries win
// over the plain list; of the plain list only the first message is surfaced,
// matching the backend contract callers rely on.
func Normalize(status int, payload ErrorPayload) []*errs.E {
	if len(payload.ErrorsWithContext) > 0 {
		out := make([]*errs.E, 0, len(payload.ErrorsWithContext))
		for _, entry := range payload.ErrorsWithContext {
			opts := []errs.Option{errs.WithMessage(entry.Message)}
			if status > 0 {
				opts = append(opts, errs.WithHTTP(status))
			}
			if entry.Type != "" {
				opts = append(opts, errs.WithContextField("type", entry.Type))
			}
			if entry.Subtype != "" {
				opts = append(opts, errs.WithContextField("subtype", entry.Subtype))
			}
			for key, value := range entry.Layer {
				opts = append(opts, errs.WithContextField("layer."+key, stringify(value)))
			}
			for key, value := range entry.Analysis {
				opts = append(opts, errs.WithContextField("analysis."+key, stringify(value)))
			}
			out = append(out, errs.New("windshaft", errs.CodeBackend, opts...))
		}
		return out
	}
	if len(payload.Errors) > 0 {
		opts := []errs.Option{errs.WithMessage(payload.Errors[0])}
		if status > 0 {
			opts = append(opts, errs.WithHTTP(status))
		}
		return []*errs.E{errs.New("windshaft", errs.CodeBackend, opts...)}
	}
	return []*errs.E{}
}

func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
