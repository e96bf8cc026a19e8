package sequencer

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chemdrive/internal/loop"
	"chemdrive/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type note struct {
	kind models.EventKind
	msg  string
}

// fakeHost plays the drive: an isolated run reports STARTING then RUNNING
// (or ERROR for failing devices), and marking a device verified reports
// VERIFIED.
type fakeHost struct {
	l         *loop.Loop
	auto      bool
	failing   map[string]bool
	runs      []string
	verified  []string
	notes     []note
	listeners map[string]map[int]func(models.ServerState)
	nextID    int
}

func (h *fakeHost) RunIsolated(device string) {
	h.runs = append(h.runs, device)
	if !h.auto {
		return
	}
	h.l.Post(func() {
		h.set(device, models.StateStarting)
		if h.failing[device] {
			h.set(device, models.StateError)
			return
		}
		h.set(device, models.StateRunning)
	})
}

func (h *fakeHost) MarkVerified(device string) {
	h.verified = append(h.verified, device)
	h.set(device, models.StateVerified)
}

func (h *fakeHost) SubscribeDevice(device string, fn func(models.ServerState)) func() {
	if h.listeners[device] == nil {
		h.listeners[device] = make(map[int]func(models.ServerState))
	}
	id := h.nextID
	h.nextID++
	h.listeners[device][id] = fn
	return func() { delete(h.listeners[device], id) }
}

func (h *fakeHost) Notify(kind models.EventKind, msg string) {
	h.notes = append(h.notes, note{kind, msg})
}

func (h *fakeHost) set(device string, state models.ServerState) {
	for _, fn := range h.listeners[device] {
		fn(state)
	}
}

func (h *fakeHost) subscribers() int {
	n := 0
	for _, m := range h.listeners {
		n += len(m)
	}
	return n
}

type harness struct {
	l    *loop.Loop
	host *fakeHost
	seq  *Sequencer
}

func newHarness(t *testing.T, auto bool) *harness {
	t.Helper()
	l := loop.New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(context.Background())
	}()
	t.Cleanup(func() {
		l.Close()
		wg.Wait()
	})

	host := &fakeHost{
		l:         l,
		auto:      auto,
		failing:   map[string]bool{},
		listeners: map[string]map[int]func(models.ServerState){},
	}
	seq := New(l, host)
	seq.delay = 10 * time.Millisecond
	return &harness{l: l, host: host, seq: seq}
}

func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.l.Call(ctx, fn))
}

type snapshot struct {
	runs        []string
	verified    []string
	active      bool
	current     string
	pending     []string
	subscribers int
}

func (h *harness) snapshot(t *testing.T) snapshot {
	t.Helper()
	var snap snapshot
	h.do(t, func() {
		snap = snapshot{
			runs:        slices.Clone(h.host.runs),
			verified:    slices.Clone(h.host.verified),
			active:      h.seq.Active(),
			current:     h.seq.Current(),
			pending:     h.seq.Pending(),
			subscribers: h.host.subscribers(),
		}
	})
	return snap
}

func (h *harness) notes(t *testing.T) []note {
	t.Helper()
	var out []note
	h.do(t, func() { out = slices.Clone(h.host.notes) })
	return out
}

func TestSequenceCompletes(t *testing.T) {
	h := newHarness(t, true)
	h.do(t, func() { h.seq.Start([]string{"A", "B", "C"}) })

	require.Eventually(t, func() bool {
		return slices.Contains(h.notes(t), note{models.EventSuccess, "Test complete"})
	}, 5*time.Second, 10*time.Millisecond)

	snap := h.snapshot(t)
	require.Equal(t, []string{"A", "B", "C"}, snap.runs)
	require.Equal(t, []string{"A", "B", "C"}, snap.verified)
	require.False(t, snap.active)
	require.Empty(t, snap.current)
	require.Zero(t, snap.subscribers)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.snapshot(t).runs, 3)
}

func TestSequenceAdvancesOnError(t *testing.T) {
	h := newHarness(t, true)
	h.host.failing["B"] = true
	h.do(t, func() { h.seq.Start([]string{"A", "B", "C"}) })

	require.Eventually(t, func() bool {
		return slices.Contains(h.notes(t), note{models.EventSuccess, "Test complete"})
	}, 5*time.Second, 10*time.Millisecond)

	snap := h.snapshot(t)
	require.Equal(t, []string{"A", "B", "C"}, snap.runs)
	require.Equal(t, []string{"A", "C"}, snap.verified)
}

func TestSequenceCancel(t *testing.T) {
	h := newHarness(t, false)
	h.do(t, func() { h.seq.Start([]string{"A", "B", "C"}) })
	snap := h.snapshot(t)
	require.True(t, snap.active)
	require.Equal(t, "A", snap.current)
	require.Equal(t, []string{"B", "C"}, snap.pending)

	h.do(t, func() { h.seq.Start([]string{"A", "B", "C"}) })
	snap = h.snapshot(t)
	require.False(t, snap.active)
	require.Empty(t, snap.pending)
	require.Zero(t, snap.subscribers)

	// A late state change from the in-flight run starts nothing.
	h.do(t, func() {
		h.host.set("A", models.StateRunning)
		h.host.set("A", models.StateError)
	})

	time.Sleep(50 * time.Millisecond)
	snap = h.snapshot(t)
	require.Equal(t, []string{"A"}, snap.runs)
	require.Empty(t, snap.verified)
	require.Equal(t, []note{{models.EventWarning, "Test cancelled"}}, h.notes(t))
}

func TestCancelDropsPendingAdvance(t *testing.T) {
	h := newHarness(t, false)
	h.seq.delay = 100 * time.Millisecond
	h.do(t, func() {
		h.seq.Start([]string{"A", "B"})
		h.host.set("A", models.StateError)
		h.seq.Start(nil)
	})

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, []string{"A"}, h.snapshot(t).runs)
}

func TestListenerAdvancesOnce(t *testing.T) {
	h := newHarness(t, false)
	h.do(t, func() {
		h.seq.Start([]string{"A", "B", "C"})
		h.host.set("A", models.StateOff)
		h.host.set("A", models.StateError)
	})

	require.Eventually(t, func() bool {
		return len(h.snapshot(t).runs) == 2
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"A", "B"}, h.snapshot(t).runs)
}

func TestEmptySequence(t *testing.T) {
	h := newHarness(t, false)
	h.do(t, func() { h.seq.Start(nil) })
	require.Equal(t, []note{{models.EventSuccess, "Test complete"}}, h.notes(t))
}
