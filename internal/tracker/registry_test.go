package tracker

import (
	"errors"
	"testing"

	"github.com/lamim/comfyremote/internal/events"
	"github.com/lamim/comfyremote/pkg/models"
)

func TestRegistry_RoutesByPromptID(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	a := r.Start(threeNodeJob("a"), Callbacks{})

	r.Dispatch(executing("1", "a"))
	r.Dispatch(executing("2", "unknown"))
	r.Dispatch(events.Event{Type: events.TypeExecutionCached, Nodes: []string{"3"}})

	got := a.Result().CompletedNodes
	if len(got) != 2 || got[0] != "1" || got[1] != "3" {
		t.Errorf("Expected nodes [1 3], got %v", got)
	}
}

func TestRegistry_SupersedesPreviousJob(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	first := r.Start(threeNodeJob("a"), Callbacks{})
	second := r.Start(threeNodeJob("b"), Callbacks{})

	if first.State() != models.JobFailed {
		t.Fatalf("Expected first job failed, got %s", first.State())
	}
	if !errors.Is(first.Result().Err, ErrSuperseded) {
		t.Errorf("Expected ErrSuperseded, got %v", first.Result().Err)
	}
	if r.CurrentJobID() != "b" {
		t.Errorf("Expected current job b, got %s", r.CurrentJobID())
	}

	// Late events for the old job are dropped by its terminal tracker
	r.Dispatch(finished("a"))
	if first.State() != models.JobFailed {
		t.Error("Expected superseded job to stay failed")
	}
	if second.State().Terminal() {
		t.Error("Expected new job to be live")
	}
}

func TestRegistry_ReplaysEarlyEvents(t *testing.T) {
	r := NewRegistry(testLogger(), nil)

	r.Dispatch(executing("1", "fast"))
	r.Dispatch(finished("fast"))

	tr := r.Start(threeNodeJob("fast"), Callbacks{})
	if tr.State() != models.JobSucceeded {
		t.Errorf("Expected replayed events to finish the job, got %s", tr.State())
	}
	if n := len(tr.Result().CompletedNodes); n != 1 {
		t.Errorf("Expected 1 completed node, got %d", n)
	}
}

func TestRegistry_LiveEventsWaitForReplay(t *testing.T) {
	r := NewRegistry(testLogger(), nil)

	r.Dispatch(executing("1", "p"))
	r.Dispatch(events.Event{Type: events.TypeExecutionCached, Nodes: []string{"2"}, PromptID: "p"})

	var counts []int
	var final Result
	cb := Callbacks{
		OnNodeStart: func(nodeID string) {
			// The end marker arrives on the stream while held events replay
			if nodeID == "1" {
				r.Dispatch(finished("p"))
			}
		},
		OnNodeComplete: func(nodeID string, total, completed int) {
			counts = append(counts, completed)
		},
		OnComplete: func(res Result) { final = res },
	}

	tr := r.Start(threeNodeJob("p"), cb)

	if tr.State() != models.JobSucceeded {
		t.Fatalf("Expected succeeded, got %s", tr.State())
	}
	if len(final.CompletedNodes) != 2 {
		t.Errorf("Expected nodes [1 2] before the end marker, got %v", final.CompletedNodes)
	}
	if len(counts) != 2 || counts[1] != 2 {
		t.Errorf("Expected completion counts [1 2], got %v", counts)
	}

	// Once replay is over events go straight to the tracker
	r.Dispatch(executing("3", "p"))
	if n := len(tr.Result().CompletedNodes); n != 2 {
		t.Errorf("Expected terminal tracker to ignore later events, got %d nodes", n)
	}
}

func TestRegistry_DetachAll(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	tr := r.Start(threeNodeJob("a"), Callbacks{})

	lost := errors.New("connection lost")
	r.DetachAll(lost)

	if !errors.Is(tr.Result().Err, lost) {
		t.Errorf("Expected detach error, got %v", tr.Result().Err)
	}
	if r.CurrentJobID() != "" {
		t.Errorf("Expected no current job, got %q", r.CurrentJobID())
	}
	if len(r.Live()) != 0 {
		t.Errorf("Expected no live trackers, got %d", len(r.Live()))
	}
	if _, ok := r.Get("a"); !ok {
		t.Error("Expected finished tracker to remain retrievable")
	}
}
