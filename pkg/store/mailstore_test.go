package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bureau/pkg/event"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testStore(t *testing.T, opts ...Option) *MailStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mail.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendTestEvent(t *testing.T, s *MailStore, eventType, origin, target string) int64 {
	t.Helper()
	e := event.New(eventType, origin, nil)
	e.TargetAgent = target
	id, err := s.AppendEvent(context.Background(), e)
	require.NoError(t, err)
	return id
}

func TestAppendEvent_AssignsMonotonicIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var prev int64
	for i := 0; i < 5; i++ {
		id, err := s.AppendEvent(ctx, map[string]any{"type": "INTENT_DISPATCH", "origin_id": "recon"})
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestAppendEvent_RejectsInvalid(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, map[string]any{"origin_id": "recon"})
	require.ErrorIs(t, err, event.ErrMissingType)

	_, err = s.AppendEvent(ctx, map[string]any{"type": "X"})
	require.ErrorIs(t, err, event.ErrMissingOrigin)
}

func TestClaimNextEvent_FIFOOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := appendTestEvent(t, s, "A", "recon", "")
	second := appendTestEvent(t, s, "B", "recon", "")

	e1, err := s.ClaimNextEvent(ctx, "c1", 0, ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, e1)
	assert.Equal(t, first, e1.ID)
	assert.Equal(t, event.StatusClaimed, e1.Status)

	e2, err := s.ClaimNextEvent(ctx, "c1", 0, ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, e2)
	assert.Equal(t, second, e2.ID)
}

func TestClaimNextEvent_RoutingFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	appendTestEvent(t, s, "A", "supervisor", "forge")
	unrouted := appendTestEvent(t, s, "B", "supervisor", "")
	routed := appendTestEvent(t, s, "C", "supervisor", "recon")

	// Strict routing skips unrouted events.
	e, err := s.ClaimNextEvent(ctx, "w:recon", 0, ClaimOptions{TargetAgent: "recon"})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, routed, e.ID)

	// Unrouted events become claimable with IncludeUnrouted.
	e, err = s.ClaimNextEvent(ctx, "w:recon", 0, ClaimOptions{TargetAgent: "recon", IncludeUnrouted: true})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, unrouted, e.ID)

	// The forge-routed event is never visible to recon.
	e, err = s.ClaimNextEvent(ctx, "w:recon", 0, ClaimOptions{TargetAgent: "recon", IncludeUnrouted: true})
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestClaimNextEvent_ExactlyOneLease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	appendTestEvent(t, s, "A", "recon", "")

	e1, err := s.ClaimNextEvent(ctx, "c1", 0, ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, e1)

	// A second consumer cannot claim the same event while the lease lives.
	e2, err := s.ClaimNextEvent(ctx, "c2", 0, ClaimOptions{})
	require.NoError(t, err)
	assert.Nil(t, e2)
}

func TestClaimNextEvent_ReclaimAfterLeaseExpiry(t *testing.T) {
	clock := newFakeClock()
	s := testStore(t, WithClock(clock.Now), WithLeaseWindow(10*time.Second))
	ctx := context.Background()

	id := appendTestEvent(t, s, "A", "recon", "")

	e1, err := s.ClaimNextEvent(ctx, "dead-consumer", 0, ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, e1)

	// Consumer crashes without acking. Before expiry nobody else can claim.
	e2, err := s.ClaimNextEvent(ctx, "c2", 0, ClaimOptions{})
	require.NoError(t, err)
	assert.Nil(t, e2)

	clock.Advance(11 * time.Second)

	e3, err := s.ClaimNextEvent(ctx, "c2", 0, ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, e3)
	assert.Equal(t, id, e3.ID)

	require.NoError(t, s.AckEvent(ctx, id, "c2"))

	got, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, event.StatusDone, got.Status)
}

func TestAckEvent_LeaseHolderMismatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := appendTestEvent(t, s, "A", "recon", "")
	_, err := s.ClaimNextEvent(ctx, "owner", 0, ClaimOptions{})
	require.NoError(t, err)

	err = s.AckEvent(ctx, id, "thief")
	require.ErrorIs(t, err, ErrNotLeaseHolder)

	// State unchanged: the rightful owner can still ack.
	require.NoError(t, s.AckEvent(ctx, id, "owner"))
}

func TestFailAndRequeue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := appendTestEvent(t, s, "A", "recon", "")
	_, err := s.ClaimNextEvent(ctx, "c1", 0, ClaimOptions{})
	require.NoError(t, err)

	require.NoError(t, s.FailEvent(ctx, id, "handler exploded", "c1"))
	got, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFailed, got.Status)
	assert.Equal(t, "handler exploded", got.Error)

	// Requeue returns it to PENDING and it becomes claimable again.
	require.NoError(t, s.RequeueEvent(ctx, id, "", "retrying"))
	e, err := s.ClaimNextEvent(ctx, "c2", 0, ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, id, e.ID)
}

func TestStatusCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	appendTestEvent(t, s, "A", "recon", "")
	appendTestEvent(t, s, "B", "recon", "")
	id := appendTestEvent(t, s, "C", "recon", "")

	_, err := s.ClaimNextEvent(ctx, "c1", 0, ClaimOptions{})
	require.NoError(t, err)

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["CLAIMED"])
	assert.Equal(t, 2, counts["PENDING"])

	pending, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	_ = id
}

func TestIdempotencyKey_FirstWriterWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ok, err := s.ReserveIdempotencyKey(ctx, "k1", "forge", "RUN_CMD", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReserveIdempotencyKey(ctx, "k1", "recon", "RUN_CMD", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetIdempotencyResult(ctx, "k1", map[string]any{"return_code": float64(0)}))

	rec, err := s.GetIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "forge", rec.AgentID)
	assert.Equal(t, float64(0), rec.Result["return_code"])

	missing, err := s.GetIdempotencyRecord(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReserveIdempotencyKey_RejectsEmpty(t *testing.T) {
	s := testStore(t)
	_, err := s.ReserveIdempotencyKey(context.Background(), "   ", "forge", "RUN_CMD", 0)
	assert.Error(t, err)
}

func TestWorkerHeartbeat_LastWriterWins(t *testing.T) {
	clock := newFakeClock()
	s := testStore(t, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.RecordWorkerHeartbeat(ctx, "recon", "w:recon:1", 100, clock.Now()))
	clock.Advance(3 * time.Second)
	require.NoError(t, s.RecordWorkerHeartbeat(ctx, "recon", "w:recon:2", 200, clock.Now()))

	hb, err := s.GetWorkerHeartbeat(ctx, "recon")
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, "w:recon:2", hb.ConsumerID)
	assert.Equal(t, 200, hb.PID)
	assert.Equal(t, clock.Now().UnixMilli(), hb.Timestamp.UnixMilli())

	missing, err := s.GetWorkerHeartbeat(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestToolAudit_AppendAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id1, err := s.AppendToolAudit(ctx, ToolAuditRow{
		AgentID: "forge", ActionType: "RUN_CMD", WorkingDir: "/ws/forge",
		IdempotencyKey: "k1", Allowed: true, Reason: "RUN_CMD executed.",
		Payload: map[string]any{"argv": []any{"git", "status"}},
		Result:  map[string]any{"return_code": float64(0)},
	})
	require.NoError(t, err)

	id2, err := s.AppendToolAudit(ctx, ToolAuditRow{
		AgentID: "recon", ActionType: "WRITE_FILE", WorkingDir: "/ws/recon",
		Allowed: false, Reason: "chief authorization required",
		Payload: map[string]any{"path": "x"},
	})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	rows, err := s.ListToolAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first.
	assert.Equal(t, id2, rows[0].ID)
	assert.False(t, rows[0].Allowed)
	assert.Equal(t, id1, rows[1].ID)
	assert.True(t, rows[1].Allowed)
	assert.Equal(t, float64(0), rows[1].Result["return_code"])
}

// Durability under a simulated consumer crash: claim without ack, expire the
// lease, and have a second consumer finish everything exactly once.
func TestCrashRecovery_AllEventsDoneExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	s := testStore(t, WithClock(clock.Now), WithLeaseWindow(5*time.Second))
	ctx := context.Background()

	const total = 100
	for i := 0; i < total; i++ {
		appendTestEvent(t, s, "INTENT_DISPATCH", "supervisor", "recon")
	}

	acked := map[int64]int{}
	opts := ClaimOptions{TargetAgent: "recon", IncludeUnrouted: true}

	// Consumer A claims 50, acks 49, crashes mid-lease on the 50th.
	for i := 0; i < 50; i++ {
		e, err := s.ClaimNextEvent(ctx, "consumer-a", 0, opts)
		require.NoError(t, err)
		require.NotNil(t, e)
		if i < 49 {
			require.NoError(t, s.AckEvent(ctx, e.ID, "consumer-a"))
			acked[e.ID]++
		}
	}

	clock.Advance(6 * time.Second)

	// Consumer B drains the remainder: the abandoned 50th plus 51 others.
	for {
		e, err := s.ClaimNextEvent(ctx, "consumer-b", 0, opts)
		require.NoError(t, err)
		if e == nil {
			break
		}
		require.NoError(t, s.AckEvent(ctx, e.ID, "consumer-b"))
		acked[e.ID]++
	}

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, counts["DONE"])
	assert.Len(t, acked, total)
	for id, n := range acked {
		assert.Equalf(t, 1, n, "event %d acked %d times", id, n)
	}
}
