// Package snapshot persists request snapshots per pack and replays flows
// from them over plain HTTP.
package snapshot

import (
	"encoding/json"
	"fmt"
	"mime"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

// DefaultTTL is how long a snapshot stays usable.
const DefaultTTL = 24 * time.Hour

// Snapshot kinds
const (
	KindFind   = "find"
	KindReplay = "replay"
)

// Snapshot is a persisted template of one captured request/response pair.
type Snapshot struct {
	StepID               string                 `json:"stepId"`
	Kind                 string                 `json:"kind"`
	CapturedAt           time.Time              `json:"capturedAt"`
	TTLSeconds           int64                  `json:"ttl"`
	Request              core.HTTPRequest       `json:"request"`
	OverrideTemplate     map[string]interface{} `json:"overrideTemplate,omitempty"`
	ResponseValidation   Validation             `json:"responseValidation"`
	SensitiveHeaderNames []string               `json:"sensitiveHeaderNames,omitempty"`
}

// Expired reports whether the snapshot is past its TTL at now.
func (s Snapshot) Expired(now time.Time) bool {
	ttl := time.Duration(s.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return now.After(s.CapturedAt.Add(ttl))
}

// Matches reports whether the snapshot was taken from the step as currently written.
func (s Snapshot) Matches(step flow.Step) bool {
	if s.Kind == KindFind {
		return step.Type == flow.StepNetworkFind
	}
	if step.Type != flow.StepNetworkReplay {
		return false
	}
	return reflect.DeepEqual(normalize(s.OverrideTemplate), normalize(OverrideTemplate(step)))
}

// overrideKeys are the network_replay params that shape the issued request.
var overrideKeys = []string{"url", "query", "headers", "body", "bodyReplace"}

// OverrideTemplate extracts the raw, unresolved override params of a replay step.
func OverrideTemplate(step flow.Step) map[string]interface{} {
	out := map[string]interface{}{}
	for _, k := range overrideKeys {
		if v, ok := step.Params[k]; ok {
			out[k] = v
		}
	}
	return out
}

// normalize round-trips a value through JSON so YAML- and JSON-decoded forms compare equal.
func normalize(v map[string]interface{}) interface{} {
	if len(v) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// Validation describes what a replayed response must look like.
type Validation struct {
	ExpectedStatus       int      `json:"expectedStatus"`
	ExpectedContentType  string   `json:"expectedContentType,omitempty"`
	ExpectedTopLevelKeys []string `json:"expectedTopLevelKeys,omitempty"`
}

// ValidationFor derives the validation rules from an observed response.
func ValidationFor(status int, contentType, body string) Validation {
	v := Validation{ExpectedStatus: status, ExpectedContentType: mediaType(contentType)}
	v.ExpectedTopLevelKeys = topLevelKeys(body)
	return v
}

// Check compares a response against the rules. Expected keys must all be
// present; extra keys are allowed.
func (v Validation) Check(status int, contentType, body string) error {
	if v.ExpectedStatus != 0 && status != v.ExpectedStatus {
		return mismatch("status", v.ExpectedStatus, status)
	}
	if v.ExpectedContentType != "" && mediaType(contentType) != v.ExpectedContentType {
		return mismatch("contentType", v.ExpectedContentType, mediaType(contentType))
	}
	if len(v.ExpectedTopLevelKeys) > 0 {
		actual := topLevelKeys(body)
		have := make(map[string]bool, len(actual))
		for _, k := range actual {
			have[k] = true
		}
		var missing []string
		for _, k := range v.ExpectedTopLevelKeys {
			if !have[k] {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return mismatch("topLevelKeys", v.ExpectedTopLevelKeys, actual)
		}
	}
	return nil
}

func mismatch(field string, expected, actual interface{}) error {
	return core.ErrSnapshotMismatch.
		WithMessage(fmt.Sprintf("snapshot mismatch on %s: expected %v, got %v", field, expected, actual)).
		WithDetails(map[string]interface{}{"field": field, "expected": expected, "actual": actual})
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

// topLevelKeys returns the sorted keys of a JSON object body, or nil.
func topLevelKeys(body string) []string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
