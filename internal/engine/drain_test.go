package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hyperengineering/satchel/internal/gateway"
	"github.com/hyperengineering/satchel/internal/types"
)

func mustSave(t *testing.T, e *Engine, collection, name string) *types.Document {
	t.Helper()
	doc, err := e.SaveDocument(context.Background(), collection, types.Document{
		Fields: types.Fields{"name": name},
	})
	if err != nil {
		t.Fatalf("SaveDocument %s: %v", name, err)
	}
	return doc
}

func TestDrain_DeliversInSequenceOrder(t *testing.T) {
	gw := newFakeGateway()
	e, _ := newTestEngine(t, gw)
	ctx := context.Background()

	names := []string{"Milk", "Eggs", "Cheese"}
	for _, n := range names {
		mustSave(t, e, "groceries", n)
	}

	stats, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Delivered != 3 {
		t.Fatalf("expected 3 delivered, got %+v", stats)
	}

	calls := gw.callLog()
	for i, n := range names {
		want := "save:groceries/" + n
		if calls[i] != want {
			t.Errorf("dispatch %d: got %s, want %s", i, calls[i], want)
		}
	}
}

func TestDrain_IsIdempotentOnConfirmedIntents(t *testing.T) {
	gw := newFakeGateway()
	e, _ := newTestEngine(t, gw)
	ctx := context.Background()

	mustSave(t, e, "groceries", "Milk")
	if _, err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	before := len(gw.callLog())

	// When: draining again with nothing queued
	stats, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}

	// Then: nothing is redispatched
	if stats.Delivered != 0 || len(gw.callLog()) != before {
		t.Errorf("second drain redispatched: stats=%+v calls=%v", stats, gw.callLog())
	}
}

func TestDrain_PartialFailureDoesNotBlockQueue(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	mustSave(t, e, "groceries", "Milk")
	mustSave(t, e, "groceries", "Eggs")
	mustSave(t, e, "groceries", "Cheese")

	// Given: the middle intent fails transiently
	gw.saveHook = func(_ string, req gateway.SaveRequest, _ string) error {
		if req.Fields["name"] == "Eggs" {
			return fmt.Errorf("%w: gateway timeout", gateway.ErrUnavailable)
		}
		return nil
	}

	stats, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Delivered != 2 || stats.Deferred != 1 {
		t.Fatalf("expected 2 delivered and 1 deferred, got %+v", stats)
	}

	pending, _ := st.Pending(ctx)
	if len(pending) != 1 || pending[0].Payload["name"] != "Eggs" {
		t.Fatalf("expected the failed intent to stay queued, got %+v", pending)
	}
	if pending[0].Attempts != 1 || pending[0].LastError == "" {
		t.Errorf("expected failure bookkeeping, got %+v", pending[0])
	}

	// When: the outage clears
	gw.saveHook = nil
	stats, err = e.Drain(ctx)
	if err != nil {
		t.Fatalf("recovery Drain: %v", err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("expected the deferred intent to deliver, got %+v", stats)
	}
	if pending, _ := st.Pending(ctx); len(pending) != 0 {
		t.Errorf("outbox should be empty, got %+v", pending)
	}
}

func TestDrain_AttachesServerIdentityAfterCreate(t *testing.T) {
	gw := newFakeGateway()
	e, _ := newTestEngine(t, gw)
	ctx := context.Background()

	local := mustSave(t, e, "groceries", "Eggs")
	if !local.PendingCreate() {
		t.Fatalf("expected a pending create, got %+v", local)
	}

	stats, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Reconciled != 1 {
		t.Fatalf("expected 1 reconciled, got %+v", stats)
	}

	// Then: exactly one record, now carrying the server identity
	docs, _ := e.Collection(ctx, "groceries")
	if len(docs) != 1 {
		t.Fatalf("expected one record, got %+v", docs)
	}
	if docs[0].ServerID == "" || docs[0].LocalID != local.LocalID {
		t.Errorf("expected identity attached in place, got %+v", docs[0])
	}
	if docs[0].Identity() == local.Identity() {
		t.Errorf("identity should switch from the local fallback, got %s", docs[0].Identity())
	}
}

func TestDrain_ReconciliationMissIsNonFatal(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	doc := mustSave(t, e, "groceries", "Eggs")

	// Given: the local record vanished out from under its queued create
	if err := st.DeleteByLocalID(ctx, doc.LocalID); err != nil {
		t.Fatalf("DeleteByLocalID: %v", err)
	}

	stats, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// Then: the create still delivered; there is just nothing to attach
	if stats.Delivered != 1 || stats.Reconciled != 0 {
		t.Errorf("expected delivered without reconciliation, got %+v", stats)
	}
	if pending, _ := st.Pending(ctx); len(pending) != 0 {
		t.Errorf("intent should be confirmed, got %+v", pending)
	}
}

func TestDrain_RetriedCreateReusesIdempotencyKey(t *testing.T) {
	gw := newFakeGateway()
	e, _ := newTestEngine(t, gw)
	ctx := context.Background()

	mustSave(t, e, "groceries", "Milk")

	var keys []string
	failures := 1
	gw.saveHook = func(_ string, _ gateway.SaveRequest, key string) error {
		keys = append(keys, key)
		if failures > 0 {
			failures--
			return fmt.Errorf("%w: connection reset", gateway.ErrUnavailable)
		}
		return nil
	}

	if _, err := e.Drain(ctx); err != nil {
		t.Fatalf("first Drain: %v", err)
	}
	if _, err := e.Drain(ctx); err != nil {
		t.Fatalf("second Drain: %v", err)
	}

	if len(keys) != 2 || keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("expected the same idempotency key on retry, got %v", keys)
	}
	if len(gw.collections["groceries"]) != 1 {
		t.Errorf("expected exactly one remote record, got %v", gw.collections["groceries"])
	}
}

func TestDrain_RepeatedRejectionDeadLetters(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	mustSave(t, e, "groceries", "Milk")
	gw.saveHook = func(string, gateway.SaveRequest, string) error {
		return fmt.Errorf("%w: schema validation failed", gateway.ErrRejected)
	}

	// When: the intent is rejected on every attempt
	var last *DrainStats
	for i := 0; i < 3; i++ {
		stats, err := e.Drain(ctx)
		if err != nil {
			t.Fatalf("Drain %d: %v", i, err)
		}
		last = stats
	}

	// Then: the attempt budget is spent and the intent is parked
	if last.DeadLettered != 1 {
		t.Fatalf("expected dead-letter on final attempt, got %+v", last)
	}
	if pending, _ := st.Pending(ctx); len(pending) != 0 {
		t.Errorf("dead intent must leave the live queue, got %+v", pending)
	}
	dead, err := e.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].Rejections != 3 {
		t.Fatalf("expected one dead intent with spent budget, got %+v", dead)
	}

	// When: the operator requeues it after fixing the cause
	gw.saveHook = nil
	if err := e.Requeue(ctx, dead[0].Sequence); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	stats, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain after requeue: %v", err)
	}
	if stats.Delivered != 1 {
		t.Errorf("expected requeued intent to deliver, got %+v", stats)
	}
}

func TestDrain_TransientFailuresDoNotSpendRejectionBudget(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	mustSave(t, e, "groceries", "Milk")

	// Given: two outages before the first rejection, with a budget of 3
	failures := []error{gateway.ErrUnavailable, gateway.ErrUnavailable, gateway.ErrRejected}
	dispatched := 0
	gw.saveHook = func(string, gateway.SaveRequest, string) error {
		defer func() { dispatched++ }()
		if dispatched < len(failures) {
			return fmt.Errorf("%w: dispatch %d", failures[dispatched], dispatched)
		}
		return nil
	}
	for i := range failures {
		if _, err := e.Drain(ctx); err != nil {
			t.Fatalf("Drain %d: %v", i, err)
		}
	}

	// Then: only the rejection counted against the budget; the intent
	// is still live
	pending, _ := st.Pending(ctx)
	if len(pending) != 1 {
		t.Fatalf("intent must stay queued, got %+v", pending)
	}
	if pending[0].Attempts != 3 || pending[0].Rejections != 1 {
		t.Errorf("expected 3 attempts and 1 rejection, got %+v", pending[0])
	}
	if dead, _ := e.DeadLetters(ctx); len(dead) != 0 {
		t.Errorf("transient flaps must not dead-letter, got %+v", dead)
	}

	// When: the rejections keep coming, the budget runs out
	gw.saveHook = func(string, gateway.SaveRequest, string) error {
		return fmt.Errorf("%w: still invalid", gateway.ErrRejected)
	}
	for i := 0; i < 2; i++ {
		if _, err := e.Drain(ctx); err != nil {
			t.Fatalf("rejection Drain %d: %v", i, err)
		}
	}
	dead, _ := e.DeadLetters(ctx)
	if len(dead) != 1 || dead[0].Rejections != 3 {
		t.Errorf("expected dead letter after 3 rejections, got %+v", dead)
	}
}

func TestDrain_SaveDuringDispatchKeepsCoalescedPayload(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	doc := mustSave(t, e, "groceries", "Milk")

	// Given: the create's dispatch is held mid-flight
	entered := make(chan struct{})
	release := make(chan struct{})
	gw.saveHook = func(string, gateway.SaveRequest, string) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan *DrainStats, 1)
	go func() {
		stats, err := e.Drain(ctx)
		if err != nil {
			t.Errorf("Drain: %v", err)
		}
		done <- stats
	}()

	// When: a second save coalesces a newer payload into the in-flight
	// intent before the dispatch is confirmed
	<-entered
	if _, err := e.SaveDocument(ctx, "groceries", types.Document{
		LocalID: doc.LocalID,
		Fields:  types.Fields{"name": "Milk", "qty": float64(2)},
	}); err != nil {
		t.Fatalf("coalescing SaveDocument: %v", err)
	}
	close(release)
	stats := <-done

	// Then: only the old payload is confirmed; the intent stays queued
	// with the new one
	if stats.Delivered != 0 || stats.Deferred != 1 {
		t.Fatalf("stale confirm must not remove the intent, got %+v", stats)
	}
	pending, _ := st.Pending(ctx)
	if len(pending) != 1 || pending[0].Payload["qty"] != float64(2) {
		t.Fatalf("coalesced payload dropped from the outbox, got %+v", pending)
	}

	// And the next drain delivers it as an update of the reconciled
	// identity, not a second create
	gw.saveHook = nil
	stats, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("expected the coalesced payload to deliver, got %+v", stats)
	}
	remote := gw.collections["groceries"]
	if len(remote) != 1 {
		t.Fatalf("expected exactly one remote record, got %v", remote)
	}
	for _, d := range remote {
		if d.Fields["qty"] != float64(2) {
			t.Errorf("remote missed the coalesced payload: %v", d.Fields)
		}
	}
	if pending, _ := st.Pending(ctx); len(pending) != 0 {
		t.Errorf("outbox should be empty, got %+v", pending)
	}
}

func TestDrain_ConcurrentInvocationObservesGuard(t *testing.T) {
	gw := newFakeGateway()
	e, _ := newTestEngine(t, gw)
	ctx := context.Background()

	mustSave(t, e, "groceries", "Milk")

	entered := make(chan struct{})
	release := make(chan struct{})
	gw.saveHook = func(string, gateway.SaveRequest, string) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Drain(ctx)
		done <- err
	}()

	<-entered
	if _, err := e.Drain(ctx); !errors.Is(err, ErrDrainInProgress) {
		t.Errorf("expected ErrDrainInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Drain: %v", err)
	}
}

func TestDrain_OfflineSkipsWithoutDispatch(t *testing.T) {
	gw := newFakeGateway()
	st := newTestStore(t)
	e, err := New(context.Background(), st, gw, Options{
		Connectivity: StaticConnectivity(false),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	mustSave(t, e, "groceries", "Milk")

	stats, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !stats.Skipped || stats.Delivered != 0 {
		t.Errorf("expected a skipped pass, got %+v", stats)
	}
	if len(gw.callLog()) != 0 {
		t.Errorf("offline drain must not dispatch, saw %v", gw.callLog())
	}
	if pending, _ := st.Pending(ctx); len(pending) != 1 {
		t.Errorf("intent should stay queued, got %+v", pending)
	}
}

func TestDrain_DeleteToleratesMissingRemote(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("groceries", gateway.Document{ID: "abc", Fields: map[string]any{"name": "Milk"}})
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	if err := e.Refresh(ctx, "groceries"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := e.DeleteDocument(ctx, "groceries", "abc"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	// Given: the remote copy disappeared before the intent drained
	gw.mu.Lock()
	delete(gw.collections["groceries"], "abc")
	gw.mu.Unlock()

	stats, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Delivered != 1 {
		t.Errorf("a missing remote document confirms the delete, got %+v", stats)
	}
	if pending, _ := st.Pending(ctx); len(pending) != 0 {
		t.Errorf("outbox should be empty, got %+v", pending)
	}
}
