package replay

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/runs"
)

// stepCluster aggregates the events of one step instance. Retries share
// the cluster; only the last attempt's terminal event settles it.
type stepCluster struct {
	stepID     string
	input      *codec.Encoded
	attempts   int
	completed  *events.StepCompletedData
	failed     *events.StepFailedData
	settledAt  time.Time
	consumed   bool
}

type sleepState struct {
	wakeAt      time.Time
	completed   bool
	completedAt time.Time
	consumed    bool
}

type hookState struct {
	token     string
	metadata  *codec.Encoded
	resumed   bool
	payload   *codec.Encoded
	resumedAt time.Time
}

// runIndex is the replay engine's read model over one run's ascending
// log prefix.
type runIndex struct {
	created     *events.RunCreatedData
	legacy      bool
	started     bool
	terminal    *events.Event
	lastEventAt time.Time

	clusters    map[string]*stepCluster
	sleeps      map[string]*sleepState
	hooks       []*hookState
	hooksByTok  map[string]*hookState
	waitStarted map[string]bool
	closed      map[string]bool // stream name -> closed
}

func buildIndex(log []events.Event) (*runIndex, error) {
	idx := &runIndex{
		clusters:    make(map[string]*stepCluster),
		sleeps:      make(map[string]*sleepState),
		hooksByTok:  make(map[string]*hookState),
		waitStarted: make(map[string]bool),
		closed:      make(map[string]bool),
	}
	for _, e := range log {
		if e.CreatedAt.After(idx.lastEventAt) {
			idx.lastEventAt = e.CreatedAt
		}
		switch e.Type {
		case events.TypeRunCreated:
			var d events.RunCreatedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			idx.created = &d
			idx.legacy = runs.IsLegacyVersion(d.SpecVersion)
		case events.TypeRunStarted:
			idx.started = true
		case events.TypeStepRequested:
			var d events.StepRequestedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			idx.clusters[d.InstanceID] = &stepCluster{stepID: d.StepID, input: d.Input}
		case events.TypeStepStarted:
			var d events.StepStartedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			if cl := idx.clusters[d.InstanceID]; cl != nil {
				// Redelivery may repeat the current attempt; anything
				// else is a corrupt log.
				if d.Attempt < cl.attempts || d.Attempt > cl.attempts+1 {
					return nil, fmt.Errorf("step instance %s: attempt %d recorded after attempt %d",
						d.InstanceID, d.Attempt, cl.attempts)
				}
				cl.attempts = d.Attempt
			}
		case events.TypeStepCompleted:
			var d events.StepCompletedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			if cl := idx.clusters[d.InstanceID]; cl != nil {
				cl.completed = &d
				cl.settledAt = e.CreatedAt
			}
		case events.TypeStepFailed:
			var d events.StepFailedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			if cl := idx.clusters[d.InstanceID]; cl != nil {
				cl.failed = &d
				cl.settledAt = e.CreatedAt
			}
		case events.TypeSleepScheduled:
			var d events.SleepScheduledData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			idx.sleeps[d.InstanceID] = &sleepState{wakeAt: d.WakeAt}
		case events.TypeWaitStarted:
			idx.waitStarted[e.CorrelationID] = true
		case events.TypeWaitCompleted:
			var d events.WaitCompletedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			if s := idx.sleeps[d.InstanceID]; s != nil {
				s.completed = true
				s.completedAt = e.CreatedAt
			}
		case events.TypeHookCreated:
			var d events.HookCreatedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			h := &hookState{token: d.Token, metadata: d.Metadata}
			idx.hooks = append(idx.hooks, h)
			idx.hooksByTok[d.Token] = h
		case events.TypeHookResumed:
			var d events.HookResumedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			if h := idx.hooksByTok[d.Token]; h != nil {
				h.resumed = true
				h.payload = d.Payload
				h.resumedAt = e.CreatedAt
			}
		case events.TypeStreamClosed:
			var d events.StreamClosedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			idx.closed[d.Name] = true
		case events.TypeRunCompleted, events.TypeRunFailed, events.TypeRunCancelled:
			ev := e
			idx.terminal = &ev
		}
	}
	if idx.created == nil {
		return nil, fmt.Errorf("log has no run_created event")
	}
	return idx, nil
}

// unconsumed reports recorded decisions the workflow body never asked
// for this replay; any such leftover is a determinism violation.
func (idx *runIndex) unconsumed() string {
	for id, cl := range idx.clusters {
		if !cl.consumed {
			return fmt.Sprintf("recorded step instance %s was not requested on replay", id)
		}
	}
	for id, s := range idx.sleeps {
		if !s.consumed {
			return fmt.Sprintf("recorded sleep %s was not requested on replay", id)
		}
	}
	return ""
}
