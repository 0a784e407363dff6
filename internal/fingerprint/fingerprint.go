// Package fingerprint derives stable identities for instantiation requests.
//
// Two requests carrying structurally equal definitions and params must map to
// the same key regardless of field ordering in the inputs; the key is what the
// tracker counts against the instantiation ceiling.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	json "github.com/goccy/go-json"
)

// Key is an opaque comparable request identity.
type Key string

// Compute canonicalizes the (definition, params) pair and returns its digest.
// Canonicalization round-trips both values through JSON so that map key order
// never influences the result. Compute has no side effects.
func Compute(definition, params any) (Key, error) {
	canonicalDef, err := canonicalize(definition)
	if err != nil {
		return "", fmt.Errorf("fingerprint definition: %w", err)
	}
	canonicalParams, err := canonicalize(params)
	if err != nil {
		return "", fmt.Errorf("fingerprint params: %w", err)
	}

	payload, err := json.Marshal([2]any{canonicalDef, canonicalParams})
	if err != nil {
		return "", fmt.Errorf("fingerprint encode: %w", err)
	}

	sum := sha256.Sum256(payload)
	return Key(hex.EncodeToString(sum[:])), nil
}

// Raw digests opaque bytes directly, without canonicalization. It backs the
// identity of payloads Compute cannot encode, so broken requests still count
// against the ceiling under a stable key instead of sharing one bucket.
func Raw(data []byte) Key {
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:]))
}

// canonicalize reduces a value to the generic JSON data model, where object
// keys serialize in sorted order.
func canonicalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
