package snapshot

import (
	"sort"
	"sync"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/network"
)

// Recorder collects snapshots for the network steps a browser run exercised.
// They are only written once the whole run succeeds.
type Recorder struct {
	TTL time.Duration

	mu    sync.Mutex
	snaps map[string]Snapshot
	now   func() time.Time
}

// NewRecorder creates a recorder stamping snapshots with ttl.
func NewRecorder(ttl time.Duration) *Recorder {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Recorder{TTL: ttl, snaps: make(map[string]Snapshot), now: time.Now}
}

// RecordFind stores the request a network_find step identified.
func (r *Recorder) RecordFind(step flow.Step, req core.HTTPRequest, entry core.NetworkEntry) {
	r.put(Snapshot{
		StepID:               step.ID,
		Kind:                 KindFind,
		Request:              req,
		ResponseValidation:   Validation{ExpectedStatus: entry.Status},
		SensitiveHeaderNames: network.SensitiveHeaderNames(req.Headers),
	})
}

// RecordReplay stores the base request of a network_replay step with its
// override template and the response it produced.
func (r *Recorder) RecordReplay(step flow.Step, base core.HTTPRequest, res *network.Result) {
	v := Validation{ExpectedStatus: res.Status}
	if res.Truncated {
		v.ExpectedContentType = mediaType(res.ContentType)
	} else {
		v = ValidationFor(res.Status, res.ContentType, res.Body)
	}
	r.put(Snapshot{
		StepID:               step.ID,
		Kind:                 KindReplay,
		Request:              base,
		OverrideTemplate:     OverrideTemplate(step),
		ResponseValidation:   v,
		SensitiveHeaderNames: network.SensitiveHeaderNames(base.Headers),
	})
}

func (r *Recorder) put(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.CapturedAt = r.now().UTC()
	s.TTLSeconds = int64(r.TTL / time.Second)
	r.snaps[s.StepID] = s
}

// Snapshots returns the recorded snapshots ordered by step id.
func (r *Recorder) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}
