package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/network"
	"github.com/devicelab-dev/webflow-runner/pkg/snapshot"
)

// ErrNoMatchingRequest is returned by Find while no captured request matches.
var ErrNoMatchingRequest = errors.New("no captured request matches")

// Network is the interpreter's view of request discovery and replay.
type Network interface {
	Find(ctx context.Context, step flow.Step, q network.Query) (flow.RequestRef, error)
	Replay(ctx context.Context, step flow.Step, ref flow.RequestRef, ov network.Overrides) (*network.Result, error)
}

// browserNetwork serves network steps from the live capture buffer and
// records what it serves so a successful run can refresh the snapshots.
// Refs restored from the once-cache carry no replay data; their replays are
// rebuilt from the step's recorded snapshot and still sent through the page.
type browserNetwork struct {
	buffer   *network.Buffer
	replayer *network.Replayer
	recorder *snapshot.Recorder
	store    *snapshot.Store
}

func newBrowserNetwork(buf *network.Buffer, f network.Fetcher, recorder *snapshot.Recorder, store *snapshot.Store, maxBody int) *browserNetwork {
	replayer := network.NewReplayer(buf, f)
	if maxBody > 0 {
		replayer.MaxBody = maxBody
	}
	return &browserNetwork{buffer: buf, replayer: replayer, recorder: recorder, store: store}
}

func (n *browserNetwork) Find(ctx context.Context, step flow.Step, q network.Query) (flow.RequestRef, error) {
	entry, ok := n.buffer.Find(q)
	if !ok {
		return flow.RequestRef{}, fmt.Errorf("%w %q", ErrNoMatchingRequest, q.URLIncludes)
	}
	if n.recorder != nil {
		if data, ok := n.buffer.Replay(entry.ID); ok {
			n.recorder.RecordFind(step, data.Request(), entry)
		}
	}
	return flow.RequestRef{RequestID: entry.ID}, nil
}

func (n *browserNetwork) Replay(ctx context.Context, step flow.Step, ref flow.RequestRef, ov network.Overrides) (*network.Result, error) {
	data, ok := n.buffer.Replay(ref.RequestID)
	if !ok {
		return n.replaySnapshot(ctx, step, ref, ov)
	}
	res, _, err := n.replayer.Replay(ctx, ref.RequestID, ov)
	if err != nil {
		return nil, err
	}
	if n.recorder != nil {
		n.recorder.RecordReplay(step, data.Request(), res)
	}
	return res, nil
}

func (n *browserNetwork) replaySnapshot(ctx context.Context, step flow.Step, ref flow.RequestRef, ov network.Overrides) (*network.Result, error) {
	if n.store == nil {
		return nil, fmt.Errorf("%w %s", network.ErrUnknownRequest, ref.RequestID)
	}
	snap, ok := n.store.Get(step.ID)
	if !ok || snap.Kind != snapshot.KindReplay {
		return nil, fmt.Errorf("%w %s: no replay data and no snapshot for step %s", network.ErrUnknownRequest, ref.RequestID, step.ID)
	}
	req, err := network.Apply(snap.Request, ov)
	if err != nil {
		return nil, err
	}
	resp, err := n.replayer.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("replay %s from snapshot: %w", step.ID, err)
	}
	res := network.NewResult(resp, n.replayer.MaxBody)
	if n.recorder != nil {
		n.recorder.RecordReplay(step, snap.Request, res)
	}
	return res, nil
}

var _ Network = (*browserNetwork)(nil)
var _ Network = (*snapshot.HTTPNetwork)(nil)
