package revwatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hazyhaar/revwatch/idgen"
	"github.com/hazyhaar/revwatch/revwatch/internal/cursor"
	"github.com/hazyhaar/revwatch/revwatch/internal/runlog"
	"github.com/hazyhaar/revwatch/revwatch/review"
)

var (
	entA = review.Entity{Source: "acme", Bucket: 1}
	entB = review.Entity{Source: "acme", Bucket: 2}
)

// fakeGateway serves fixed counts and snapshots per entity key.
type fakeGateway struct {
	counts    map[string]int
	snapshots map[string][]string
	countErr  map[string]error
	snapErr   map[string]error
	listCalls map[string]int
	resets    atomic.Int32
	onCount   func(e review.Entity)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		counts:    map[string]int{},
		snapshots: map[string][]string{},
		countErr:  map[string]error{},
		snapErr:   map[string]error{},
		listCalls: map[string]int{},
	}
}

func (g *fakeGateway) FetchCount(_ context.Context, e review.Entity) (int, error) {
	if g.onCount != nil {
		g.onCount(e)
	}
	if err := g.countErr[e.Key()]; err != nil {
		return 0, err
	}
	return g.counts[e.Key()], nil
}

func (g *fakeGateway) FetchSnapshot(_ context.Context, e review.Entity) ([]review.Item, error) {
	g.listCalls[e.Key()]++
	if err := g.snapErr[e.Key()]; err != nil {
		return nil, err
	}
	var items []review.Item
	for _, id := range g.snapshots[e.Key()] {
		items = append(items, review.Item{ID: id, Author: "a-" + id})
	}
	return items, nil
}

func (g *fakeGateway) Reset() { g.resets.Add(1) }

// memStore is an in-memory Store.
type memStore struct {
	m         cursor.Mapping
	loadErr   error
	commitErr error
	commits   int
}

func (s *memStore) Load(context.Context) (cursor.Mapping, error) {
	return s.m.Clone(), s.loadErr
}

func (s *memStore) Commit(_ context.Context, m cursor.Mapping) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.commits++
	s.m = m.Clone()
	return nil
}

// recNotifier records every call.
type recNotifier struct {
	mu         sync.Mutex
	events     []review.Event
	heartbeats []review.Summary
	failures   []review.Summary
	fatals     []error
	notifyErr  error
	notifyCtx  []error
	onNotify   func()
	panics     bool
}

func (n *recNotifier) Notify(ctx context.Context, ev review.Event) error {
	if n.onNotify != nil {
		n.onNotify()
	}
	if n.panics {
		panic("formatter blew up")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	n.notifyCtx = append(n.notifyCtx, ctx.Err())
	return n.notifyErr
}

func (n *recNotifier) Heartbeat(_ context.Context, sum review.Summary) error {
	n.heartbeats = append(n.heartbeats, sum)
	return nil
}

func (n *recNotifier) Failures(_ context.Context, sum review.Summary) error {
	if len(sum.Failed) > 0 {
		n.failures = append(n.failures, sum)
	}
	return nil
}

func (n *recNotifier) Fatal(_ context.Context, err error) error {
	n.fatals = append(n.fatals, err)
	return nil
}

func newTestService(t *testing.T, gw Gateway, st Store, n Notifier, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append([]ServiceOption{WithIDGenerator(idgen.Sequence("run_"))}, opts...)
	svc, err := New([]review.Entity{entA, entB}, gw, st, n, nil, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func eventIDs(evs []review.Event) []string {
	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.Item.ID
	}
	return ids
}

func TestRunScenario(t *testing.T) {
	// WHAT: cursor {5, r100}, count 7, listing [r105 r104 r100] notifies r104 then r105.
	// WHY: This is the core contract: chronological order, new boundary, count advanced.
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 7
	gw.snapshots[entA.Key()] = []string{"r105", "r104", "r100"}
	gw.counts[entB.Key()] = 0
	st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 5, LastSeenID: "r100"}}}
	n := &recNotifier{}

	rep, err := newTestService(t, gw, st, n).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(eventIDs(n.events)); got != "[r104 r105]" {
		t.Fatalf("events: %s", got)
	}
	if st.m.Get(entA) != (cursor.Cursor{ObservedCount: 7, LastSeenID: "r105"}) {
		t.Fatalf("committed: %+v", st.m.Get(entA))
	}
	if len(n.heartbeats) != 0 || rep.Heartbeat {
		t.Fatal("no heartbeat when events were emitted")
	}
	if rep.Outcomes[0].Status != StatusAdvanced || rep.Outcomes[0].NewItems != 2 {
		t.Errorf("outcome: %+v", rep.Outcomes[0])
	}
	if rep.Status() != RunOK {
		t.Errorf("run status %s", rep.Status())
	}
	if gw.resets.Load() != 1 {
		t.Errorf("gateway should be reset once per run, got %d", gw.resets.Load())
	}
}

func TestRunFirstRunEstablishesBoundary(t *testing.T) {
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 3
	gw.snapshots[entA.Key()] = []string{"x3", "x2", "x1"}
	st := &memStore{m: cursor.Mapping{}}
	n := &recNotifier{}

	rep, err := newTestService(t, gw, st, n).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(n.events) != 0 {
		t.Fatalf("first run must not notify: %v", eventIDs(n.events))
	}
	if len(n.heartbeats) != 1 {
		t.Fatalf("heartbeats: %d", len(n.heartbeats))
	}
	if st.m.Get(entA) != (cursor.Cursor{ObservedCount: 3, LastSeenID: "x3"}) {
		t.Fatalf("committed: %+v", st.m.Get(entA))
	}
	if rep.Outcomes[0].Status != StatusBaseline {
		t.Errorf("status: %s", rep.Outcomes[0].Status)
	}
	// B had count 0 against a zero cursor: nothing to walk, but it is persisted.
	if _, ok := st.m[entB.Key()]; !ok {
		t.Error("every configured entity should be committed")
	}
}

func TestRunIsolation(t *testing.T) {
	// WHAT: A failing entity keeps its cursor; the next one is still processed and notified.
	// WHY: One broken listing must not silence the others.
	gw := newFakeGateway()
	gw.countErr[entA.Key()] = fmt.Errorf("gateway: %w", review.ErrUnavailable)
	gw.counts[entB.Key()] = 2
	gw.snapshots[entB.Key()] = []string{"b2", "b1"}
	st := &memStore{m: cursor.Mapping{
		entA.Key(): {ObservedCount: 9, LastSeenID: "a9"},
		entB.Key(): {ObservedCount: 1, LastSeenID: "b1"},
	}}
	n := &recNotifier{}

	rep, err := newTestService(t, gw, st, n).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.m.Get(entA) != (cursor.Cursor{ObservedCount: 9, LastSeenID: "a9"}) {
		t.Fatalf("failed entity cursor changed: %+v", st.m.Get(entA))
	}
	if st.m.Get(entB) != (cursor.Cursor{ObservedCount: 2, LastSeenID: "b2"}) {
		t.Fatalf("B cursor: %+v", st.m.Get(entB))
	}
	if fmt.Sprint(eventIDs(n.events)) != "[b2]" {
		t.Fatalf("events: %v", eventIDs(n.events))
	}
	if len(n.failures) != 1 || n.failures[0].Failed[0] != entA {
		t.Fatalf("failure alert: %+v", n.failures)
	}
	if !errors.Is(rep.Outcomes[0].Err, ErrRetrievalUnavailable) {
		t.Errorf("outcome err: %v", rep.Outcomes[0].Err)
	}
	if rep.Status() != RunPartial {
		t.Errorf("run status: %s", rep.Status())
	}
	if st.commits != 1 {
		t.Errorf("commit must happen despite failures, commits=%d", st.commits)
	}
}

func TestRunSnapshotFailureKeepsCursor(t *testing.T) {
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 8
	gw.snapErr[entA.Key()] = review.ErrUnavailable
	st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 5, LastSeenID: "r1"}}}

	rep, err := newTestService(t, gw, st, &recNotifier{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.m.Get(entA) != (cursor.Cursor{ObservedCount: 5, LastSeenID: "r1"}) {
		t.Fatalf("cursor: %+v", st.m.Get(entA))
	}
	if rep.Outcomes[0].Status != StatusFailed {
		t.Errorf("status: %s", rep.Outcomes[0].Status)
	}
}

func TestRunHeartbeatExclusivity(t *testing.T) {
	for _, tt := range []struct {
		name       string
		count      int
		heartbeats int
	}{
		{"no change", 5, 1},
		{"one new", 6, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			gw.counts[entA.Key()] = tt.count
			gw.snapshots[entA.Key()] = []string{"r6", "r5"}
			st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 5, LastSeenID: "r5"}}}
			n := &recNotifier{}
			if _, err := newTestService(t, gw, st, n).Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			if len(n.heartbeats) != tt.heartbeats {
				t.Fatalf("heartbeats = %d, want %d", len(n.heartbeats), tt.heartbeats)
			}
			if tt.heartbeats == 1 && n.heartbeats[0].Checked != 2 {
				t.Errorf("heartbeat summary: %+v", n.heartbeats[0])
			}
		})
	}
}

func TestRunNonRegression(t *testing.T) {
	// WHAT: A lower count (deleted reviews) neither walks nor lowers the cursor.
	// WHY: Lowering it would re-announce old reviews once the count recovers.
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 3
	st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 5, LastSeenID: "r5"}}}

	rep, err := newTestService(t, gw, st, &recNotifier{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gw.listCalls[entA.Key()] != 0 {
		t.Error("listing must not be fetched")
	}
	if st.m.Get(entA).ObservedCount != 5 {
		t.Fatalf("count regressed: %+v", st.m.Get(entA))
	}
	if rep.Outcomes[0].Status != StatusUnchanged {
		t.Errorf("status: %s", rep.Outcomes[0].Status)
	}
}

func TestRunEmptySnapshotLeavesCursorPending(t *testing.T) {
	// WHAT: Count grew but the listing is empty: cursor untouched, entity pending.
	// WHY: Advancing the count without a boundary would hide the new reviews forever.
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 6
	st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 5, LastSeenID: "r5"}}}
	n := &recNotifier{}

	rep, err := newTestService(t, gw, st, n).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.m.Get(entA) != (cursor.Cursor{ObservedCount: 5, LastSeenID: "r5"}) {
		t.Fatalf("cursor: %+v", st.m.Get(entA))
	}
	out := rep.Outcomes[0]
	if out.Status != StatusPending || !errors.Is(out.Err, ErrEmptySnapshot) {
		t.Fatalf("outcome: %+v", out)
	}
	if len(n.failures) != 0 {
		t.Error("pending is not a retrieval failure")
	}
	if len(n.heartbeats) != 1 {
		t.Error("no event, so one heartbeat")
	}
}

func TestRunBoundaryMissingFromListing(t *testing.T) {
	// The old boundary scrolled away: everything listed is new.
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 9
	gw.snapshots[entA.Key()] = []string{"r9", "r8", "r7"}
	st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 2, LastSeenID: "gone"}}}
	n := &recNotifier{}

	if _, err := newTestService(t, gw, st, n).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(eventIDs(n.events)) != "[r7 r8 r9]" {
		t.Fatalf("events: %v", eventIDs(n.events))
	}
}

func TestRunIdempotentSecondRun(t *testing.T) {
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 7
	gw.snapshots[entA.Key()] = []string{"r105", "r104", "r100"}
	st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 5, LastSeenID: "r100"}}}
	n := &recNotifier{}
	svc := newTestService(t, gw, st, n)

	for i := 0; i < 2; i++ {
		if _, err := svc.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if len(n.events) != 2 {
		t.Fatalf("second run must not re-notify: %v", eventIDs(n.events))
	}
	if len(n.heartbeats) != 1 {
		t.Fatalf("second run should heartbeat once, got %d", len(n.heartbeats))
	}
}

func TestRunCommitFailure(t *testing.T) {
	gw := newFakeGateway()
	perr := &cursor.PersistenceError{Op: "write", Medium: "test", Err: errors.New("disk full")}
	st := &memStore{m: cursor.Mapping{}, commitErr: perr}

	rep, err := newTestService(t, gw, st, &recNotifier{}).Run(context.Background())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("got %v", err)
	}
	if rep.Status() != RunCommitFailed {
		t.Errorf("status: %s", rep.Status())
	}
}

func TestRunDegradedLoad(t *testing.T) {
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 4
	gw.snapshots[entA.Key()] = []string{"r4"}
	st := &memStore{m: cursor.Mapping{}, loadErr: &cursor.PersistenceError{Op: "decode", Err: errors.New("bad json")}}
	n := &recNotifier{}

	rep, err := newTestService(t, gw, st, n).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.LoadErr == nil {
		t.Error("load error should be reported")
	}
	if len(n.events) != 0 || st.m.Get(entA).LastSeenID != "r4" {
		t.Fatalf("degraded run should re-baseline: events=%v cursor=%+v", eventIDs(n.events), st.m.Get(entA))
	}
}

func TestRunCancelledAbortsWithoutCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := newFakeGateway()
	gw.onCount = func(review.Entity) { cancel() }
	st := &memStore{m: cursor.Mapping{}}
	n := &recNotifier{}

	rep, err := newTestService(t, gw, st, n).Run(ctx)
	if !errors.Is(err, ErrRunAborted) {
		t.Fatalf("got %v", err)
	}
	if st.commits != 0 {
		t.Fatal("aborted run must not commit")
	}
	if len(n.fatals) != 1 || rep.Status() != RunAborted {
		t.Fatalf("fatals=%d status=%s", len(n.fatals), rep.Status())
	}
}

func TestRunCancelledDuringLastEntityAborts(t *testing.T) {
	// WHAT: Cancelling while the last entity is fetched aborts the run.
	// WHY: Committing the staged boundaries of undelivered events loses them for good.
	ctx, cancel := context.WithCancel(context.Background())
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 7
	gw.snapshots[entA.Key()] = []string{"r105", "r104", "r100"}
	gw.onCount = func(e review.Entity) {
		if e == entB {
			cancel()
		}
	}
	st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 5, LastSeenID: "r100"}}}
	n := &recNotifier{}

	rep, err := newTestService(t, gw, st, n).Run(ctx)
	if !errors.Is(err, ErrRunAborted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if st.commits != 0 {
		t.Fatal("aborted run must not commit")
	}
	if got := st.m.Get(entA); got != (cursor.Cursor{ObservedCount: 5, LastSeenID: "r100"}) {
		t.Fatalf("cursor moved: %+v", got)
	}
	if len(n.events) != 0 || len(n.fatals) != 1 {
		t.Fatalf("events=%d fatals=%d", len(n.events), len(n.fatals))
	}
	if rep.Status() != RunAborted {
		t.Fatalf("status = %s", rep.Status())
	}
}

func TestRunCancelledDuringDeliveryStillDeliversAndCommits(t *testing.T) {
	// WHAT: Once the walk is done, a cancellation does not cut delivery or the commit short.
	// WHY: Half-delivered events with an uncommitted boundary would be sent twice.
	ctx, cancel := context.WithCancel(context.Background())
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 7
	gw.snapshots[entA.Key()] = []string{"r105", "r104", "r100"}
	st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 5, LastSeenID: "r100"}}}
	n := &recNotifier{onNotify: cancel}

	rep, err := newTestService(t, gw, st, n).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := eventIDs(n.events); len(got) != 2 || got[0] != "r104" || got[1] != "r105" {
		t.Fatalf("delivered %v", got)
	}
	for i, cerr := range n.notifyCtx {
		if cerr != nil {
			t.Fatalf("event %d delivered on a dead context: %v", i, cerr)
		}
	}
	if rep.Undelivered != 0 || st.commits != 1 || st.m.Get(entA).LastSeenID != "r105" {
		t.Fatalf("undelivered=%d commits=%d cursor=%+v", rep.Undelivered, st.commits, st.m.Get(entA))
	}
}

func TestRunNotifierPanicDoesNotBlockCommit(t *testing.T) {
	// WHAT: A panicking notifier counts as undelivered and the commit proceeds.
	// WHY: Delivery and persistence fail independently; a daemon must survive a bad message.
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 2
	gw.snapshots[entA.Key()] = []string{"r2", "r1"}
	st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 1, LastSeenID: "r1"}}}
	n := &recNotifier{panics: true}

	rep, err := newTestService(t, gw, st, n).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Undelivered != 1 {
		t.Errorf("undelivered = %d", rep.Undelivered)
	}
	if st.commits != 1 || st.m.Get(entA).LastSeenID != "r2" {
		t.Fatalf("commits=%d cursor=%+v", st.commits, st.m.Get(entA))
	}
}

func TestRunPanicAborts(t *testing.T) {
	gw := newFakeGateway()
	gw.onCount = func(review.Entity) { panic("selector blew up") }
	st := &memStore{m: cursor.Mapping{}}

	_, err := newTestService(t, gw, st, &recNotifier{}).Run(context.Background())
	if !errors.Is(err, ErrRunAborted) {
		t.Fatalf("got %v", err)
	}
	if st.commits != 0 {
		t.Fatal("aborted run must not commit")
	}
}

func TestRunUndeliveredDoesNotBlockCommit(t *testing.T) {
	gw := newFakeGateway()
	gw.counts[entA.Key()] = 2
	gw.snapshots[entA.Key()] = []string{"r2", "r1"}
	st := &memStore{m: cursor.Mapping{entA.Key(): {ObservedCount: 1, LastSeenID: "r1"}}}
	n := &recNotifier{notifyErr: ErrSinkUnavailable}

	rep, err := newTestService(t, gw, st, n).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Undelivered != 1 {
		t.Errorf("undelivered = %d", rep.Undelivered)
	}
	if st.m.Get(entA).LastSeenID != "r2" {
		t.Fatal("sink failure must not hold the cursor back")
	}
}

func TestRunInProgress(t *testing.T) {
	gw := newFakeGateway()
	st := &memStore{m: cursor.Mapping{}}
	svc := newTestService(t, gw, st, &recNotifier{})

	var inner error
	gw.onCount = func(review.Entity) {
		if inner == nil {
			_, inner = svc.Run(context.Background())
		}
	}
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(inner, ErrRunInProgress) {
		t.Fatalf("nested run: %v", inner)
	}
}

func TestRunRecordsHistory(t *testing.T) {
	h, err := runlog.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	gw := newFakeGateway()
	gw.counts[entA.Key()] = 1
	gw.snapshots[entA.Key()] = []string{"r1"}
	st := &memStore{m: cursor.Mapping{}}
	rep, err := newTestService(t, gw, st, &recNotifier{}, WithHistory(h)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	run, err := h.Get(context.Background(), rep.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunOK || !run.Heartbeat || len(run.Entities) != 2 {
		t.Fatalf("run: %+v", run)
	}
	if e := run.Entities[0]; e.Status != string(StatusBaseline) || e.AfterID != "r1" {
		t.Errorf("entity: %+v", e)
	}
}

func TestNewRejectsBadEntities(t *testing.T) {
	gw, st, n := newFakeGateway(), &memStore{}, &recNotifier{}
	for _, ents := range [][]review.Entity{
		nil,
		{{Source: "", Bucket: 1}},
		{{Source: "a", Bucket: 9}},
		{entA, entA},
	} {
		if _, err := New(ents, gw, st, n, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%v: got %v", ents, err)
		}
	}
}

func TestRunWithFileStoreEndToEnd(t *testing.T) {
	// Legacy per-bucket state on disk is migrated, advanced and rewritten.
	path := filepath.Join(t.TempDir(), "review_state.json")
	st := cursor.NewStore(cursor.NewFileMedium(path), []review.Entity{entA, entB}, review.Entity{}, nil)
	legacy := []byte(`{"1_star_count": 5, "2_star_count": 1, "last_1_star_id": "r100", "last_2_star_id": "b1"}`)
	if _, _, err := st.Import(context.Background(), legacy); err != nil {
		t.Fatal(err)
	}

	gw := newFakeGateway()
	gw.counts[entA.Key()] = 7
	gw.snapshots[entA.Key()] = []string{"r105", "r104", "r100"}
	gw.counts[entB.Key()] = 1
	n := &recNotifier{}
	if _, err := newTestService(t, gw, st, n).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	m, err := st.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.Get(entA) != (cursor.Cursor{ObservedCount: 7, LastSeenID: "r105"}) || m.Get(entB) != (cursor.Cursor{ObservedCount: 1, LastSeenID: "b1"}) {
		t.Fatalf("committed: %+v", m)
	}
	if fmt.Sprint(eventIDs(n.events)) != "[r104 r105]" {
		t.Fatalf("events: %v", eventIDs(n.events))
	}
}
