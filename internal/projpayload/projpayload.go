// Package projpayload runs read-only JSONPath-style queries over the raw
// event Data/metadata payloads handlers and quality detectors work with, the
// same way the teacher's datafeed pipeline extracts fields out of arbitrary
// upstream JSON with gjson rather than hand-written type-assertion chains.
package projpayload

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Lookup runs a gjson path query against a raw event payload map. It returns
// false when the payload doesn't marshal to JSON (never true for a
// domain.Event.Data built from decoded JSON) or when the path doesn't
// resolve to anything.
func Lookup(data map[string]any, path string) (gjson.Result, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		return gjson.Result{}, false
	}
	res := gjson.GetBytes(raw, path)
	return res, res.Exists()
}

// ObservedAttributes resolves each of paths against data and returns the
// subset that actually exist, keyed by path. Quality detectors attach this
// to an issue's Metrics so a reviewer can see exactly what the event did and
// didn't carry, without re-deriving it from the raw payload by hand.
func ObservedAttributes(data map[string]any, paths []string) map[string]any {
	out := make(map[string]any, len(paths))
	raw, err := json.Marshal(data)
	if err != nil {
		return out
	}
	for _, p := range paths {
		res := gjson.GetBytes(raw, p)
		if res.Exists() {
			out[p] = res.Value()
		}
	}
	return out
}
