package oncecache

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

// Format identifies an on-disk cache layout.
type Format int

const (
	// FormatUnknown is an empty or unrecognised file.
	FormatUnknown Format = iota
	// FormatIDList is the legacy layout: a JSON array of executed step ids.
	FormatIDList
	// FormatOutputs is the current layout: {stepId: StepOutput}.
	FormatOutputs
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatIDList:
		return "id-list"
	case FormatOutputs:
		return "outputs"
	default:
		return "unknown"
	}
}

// DetectFormat inspects the first significant byte of a cache file.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return FormatUnknown
	}
	switch trimmed[0] {
	case '[':
		return FormatIDList
	case '{':
		return FormatOutputs
	}
	return FormatUnknown
}

// Migrate decodes a cache file of any known format into the current in-memory layout.
// Legacy id lists become empty outputs.
func Migrate(data []byte) (map[string]core.StepOutput, error) {
	switch DetectFormat(data) {
	case FormatIDList:
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("decode id list: %w", err)
		}
		out := make(map[string]core.StepOutput, len(ids))
		for _, id := range ids {
			out[id] = core.StepOutput{}
		}
		return out, nil

	case FormatOutputs:
		var outputs map[string]core.StepOutput
		if err := json.Unmarshal(data, &outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
		for id, o := range outputs {
			o.Vars = restoreRefs(o.Vars)
			o.Collectibles = restoreRefs(o.Collectibles)
			outputs[id] = o
		}
		return outputs, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]core.StepOutput{}, nil
	}
	return nil, fmt.Errorf("unrecognised cache format")
}

// restoreRefs turns {"$requestRef": id} objects back into flow.RequestRef values.
func restoreRefs(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		m[k] = restoreValue(v)
	}
	return m
}

func restoreValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if len(val) == 1 {
			if id, ok := val["$requestRef"].(string); ok {
				return flow.RequestRef{RequestID: id}
			}
		}
		return restoreRefs(val)
	case []interface{}:
		for i := range val {
			val[i] = restoreValue(val[i])
		}
		return val
	}
	return v
}
