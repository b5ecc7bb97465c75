package snapshot

import (
	"fmt"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

// Compatible reports whether f can run in HTTP mode: no step needs a page and
// every snapshot-dependent step has a usable snapshot. isCached marks once
// steps whose output is already memoized; they count as agnostic.
func Compatible(f *flow.Flow, store *Store, isCached func(flow.Step) bool, now time.Time) (bool, string) {
	if store == nil {
		return false, "no snapshot store"
	}
	for _, step := range f.Steps {
		if isCached != nil && step.Once != flow.OnceNone && isCached(step) {
			continue
		}
		if step.SkipIf != nil && step.SkipIf.NeedsPage() {
			return false, fmt.Sprintf("step %s: skip_if needs a page", step.ID)
		}
		switch step.Dependency() {
		case flow.DependsOnPage:
			return false, fmt.Sprintf("step %s (%s) needs a page", step.ID, step.Type)
		case flow.DependsOnSnapshot:
			if _, ok := store.Usable(step, now); !ok {
				return false, fmt.Sprintf("step %s has no usable snapshot", step.ID)
			}
		}
	}
	return true, ""
}
