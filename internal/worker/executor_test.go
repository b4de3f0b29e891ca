package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/beacon/internal/connector"
	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
	scheduledomain "github.com/lllypuk/beacon/internal/domain/schedule"
	"github.com/lllypuk/beacon/internal/worker"
)

type staticDirectory struct {
	resources map[string]connector.Descriptor
}

func (d *staticDirectory) GetResource(_ context.Context, id string) (connector.Descriptor, error) {
	desc, ok := d.resources[id]
	if !ok {
		return connector.Descriptor{}, errs.ErrNotFound
	}
	return desc, nil
}

type stubTester struct {
	outcome run.Outcome
	err     error
	delay   time.Duration
}

func (t *stubTester) Test(ctx context.Context, _ connector.Descriptor) (run.Outcome, error) {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return run.Outcome{}, ctx.Err()
		}
	}
	return t.outcome, t.err
}

type recordingSink struct {
	mu     sync.Mutex
	begins []string
	events []run.Event
}

func (s *recordingSink) Begin(_ context.Context, operationID, _, _ string) (*run.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins = append(s.begins, operationID)
	return run.NewSnapshot(operationID, "", "", time.Now()), nil
}

func (s *recordingSink) Publish(_ context.Context, ev run.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) terminalEvents() []run.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var terminal []run.Event
	for _, ev := range s.events {
		if ev.Terminal() {
			terminal = append(terminal, ev)
		}
	}
	return terminal
}

type recordingReleaser struct {
	mu       sync.Mutex
	releases []scheduledomain.RunSummary
}

func (r *recordingReleaser) ReleaseClaim(
	_ context.Context,
	_, _ string,
	summary scheduledomain.RunSummary,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases = append(r.releases, summary)
	return nil
}

func (r *recordingReleaser) released() []scheduledomain.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduledomain.RunSummary(nil), r.releases...)
}

func testDirectory() *staticDirectory {
	return &staticDirectory{resources: map[string]connector.Descriptor{
		"res-1": {ID: "res-1", Kind: connector.KindHTTP, Address: "http://db.internal"},
	}}
}

func TestExecutor_Execute_Success(t *testing.T) {
	sink := &recordingSink{}
	releaser := &recordingReleaser{}
	exec := worker.NewExecutor(
		testDirectory(),
		&stubTester{outcome: run.Outcome{Success: true, Message: "connection ok"}},
		sink,
		releaser,
	)

	exec.Execute(t.Context(), worker.RunDescriptor{
		OperationID: "op-1",
		ScheduleID:  "sched-1",
		ResourceID:  "res-1",
	})

	terminal := sink.terminalEvents()
	require.Len(t, terminal, 1, "exactly one terminal event")
	assert.Equal(t, run.StatusSucceeded, terminal[0].Status)
	require.NotNil(t, terminal[0].Outcome)
	assert.True(t, terminal[0].Outcome.Success)

	releases := releaser.released()
	require.Len(t, releases, 1)
	assert.Equal(t, run.StatusSucceeded, releases[0].Outcome)
	assert.Equal(t, "op-1", releases[0].OperationID)
}

func TestExecutor_Execute_Failure(t *testing.T) {
	sink := &recordingSink{}
	releaser := &recordingReleaser{}
	exec := worker.NewExecutor(
		testDirectory(),
		&stubTester{outcome: run.Outcome{
			Success:      false,
			Message:      "authentication failed",
			ErrorCode:    "auth_error",
			ErrorDetails: "invalid credentials for user app",
		}},
		sink,
		releaser,
	)

	exec.Execute(t.Context(), worker.RunDescriptor{
		OperationID: "op-1",
		ScheduleID:  "sched-1",
		ResourceID:  "res-1",
	})

	terminal := sink.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, run.StatusFailed, terminal[0].Status)

	releases := releaser.released()
	require.Len(t, releases, 1)
	assert.Equal(t, run.StatusFailed, releases[0].Outcome)
	assert.Equal(t, "invalid credentials for user app", releases[0].Error)
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	sink := &recordingSink{}
	releaser := &recordingReleaser{}
	exec := worker.NewExecutor(
		testDirectory(),
		&stubTester{outcome: run.Outcome{Success: true}, delay: time.Second},
		sink,
		releaser,
		worker.WithRunTimeout(20*time.Millisecond),
	)

	exec.Execute(t.Context(), worker.RunDescriptor{
		OperationID: "op-1",
		ScheduleID:  "sched-1",
		ResourceID:  "res-1",
	})

	terminal := sink.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, run.StatusTimedOut, terminal[0].Status)
	require.NotNil(t, terminal[0].Outcome)
	assert.True(t, terminal[0].Outcome.TimedOut)

	releases := releaser.released()
	require.Len(t, releases, 1)
	assert.Equal(t, run.StatusTimedOut, releases[0].Outcome)
}

func TestExecutor_Execute_HangingTester(t *testing.T) {
	// A tester that ignores cancellation entirely must still produce a
	// timed out run within the deadline.
	sink := &recordingSink{}
	exec := worker.NewExecutor(
		testDirectory(),
		&stubTester{outcome: run.Outcome{Success: true}, delay: 10 * time.Second},
		sink,
		&recordingReleaser{},
		worker.WithRunTimeout(20*time.Millisecond),
	)

	done := make(chan struct{})
	go func() {
		exec.Execute(t.Context(), worker.RunDescriptor{OperationID: "op-1", ResourceID: "res-1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor blocked on a hanging tester")
	}

	terminal := sink.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, run.StatusTimedOut, terminal[0].Status)
}

func TestExecutor_Execute_Cancelled(t *testing.T) {
	// A worker shutdown cancels the run context; the run must be recorded
	// as cancelled, not timed out.
	sink := &recordingSink{}
	releaser := &recordingReleaser{}
	exec := worker.NewExecutor(
		testDirectory(),
		&stubTester{outcome: run.Outcome{Success: true}, delay: 10 * time.Second},
		sink,
		releaser,
	)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	exec.Execute(ctx, worker.RunDescriptor{
		OperationID: "op-1",
		ScheduleID:  "sched-1",
		ResourceID:  "res-1",
	})

	terminal := sink.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, run.StatusCancelled, terminal[0].Status)
	require.NotNil(t, terminal[0].Outcome)
	assert.True(t, terminal[0].Outcome.Cancelled)
	assert.False(t, terminal[0].Outcome.TimedOut)

	releases := releaser.released()
	require.Len(t, releases, 1)
	assert.Equal(t, run.StatusCancelled, releases[0].Outcome)
}

func TestExecutor_Execute_AdHocSkipsRelease(t *testing.T) {
	sink := &recordingSink{}
	releaser := &recordingReleaser{}
	exec := worker.NewExecutor(
		testDirectory(),
		&stubTester{outcome: run.Outcome{Success: true}},
		sink,
		releaser,
	)

	exec.Execute(t.Context(), worker.RunDescriptor{
		OperationID: "op-1",
		ResourceID:  "res-1",
	})

	require.Len(t, sink.terminalEvents(), 1)
	assert.Empty(t, releaser.released())
}

func TestExecutor_Execute_UnresolvedResource(t *testing.T) {
	sink := &recordingSink{}
	releaser := &recordingReleaser{}
	exec := worker.NewExecutor(
		testDirectory(),
		&stubTester{outcome: run.Outcome{Success: true}},
		sink,
		releaser,
	)

	exec.Execute(t.Context(), worker.RunDescriptor{
		OperationID: "op-1",
		ScheduleID:  "sched-1",
		ResourceID:  "ghost",
	})

	terminal := sink.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, run.StatusFailed, terminal[0].Status)
	require.NotNil(t, terminal[0].Outcome)
	assert.Equal(t, "resource_unresolved", terminal[0].Outcome.ErrorCode)

	releases := releaser.released()
	require.Len(t, releases, 1)
	assert.Equal(t, run.StatusFailed, releases[0].Outcome)
}

func TestExecutor_StartRun_ReturnsImmediately(t *testing.T) {
	sink := &recordingSink{}
	exec := worker.NewExecutor(
		testDirectory(),
		&stubTester{outcome: run.Outcome{Success: true}, delay: 50 * time.Millisecond},
		sink,
		&recordingReleaser{},
	)

	start := time.Now()
	exec.StartRun("op-1", "", "res-1")
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sink.terminalEvents()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
