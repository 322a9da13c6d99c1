package limits

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
)

type capturingPublisher struct {
	events []*fabric.Event
}

func (p *capturingPublisher) Publish(e *fabric.Event) error {
	p.events = append(p.events, e)
	return nil
}

func testEngine(t *testing.T) (*Engine, *capturingPublisher) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "limits.db"),
		Profile: database.ProfileProjection,
		Name:    "limits",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pub := &capturingPublisher{}
	return NewEngine(NewRepository(db, zerolog.Nop()), pub, "2026-08-24", zerolog.Nop()), pub
}

func TestReserveNeverExceedsLimit(t *testing.T) {
	engine, _ := testEngine(t)
	key := engine.Key(domain.ScopeClient, "C1", "S1")
	engine.SetLimit(key, domain.SideShortSell, 500)

	res, err := engine.CheckAndReserve(key, domain.SideShortSell, 400)
	require.NoError(t, err)
	require.True(t, res.Approved)
	assert.Equal(t, int64(400), res.NewReserved)

	res, err = engine.CheckAndReserve(key, domain.SideShortSell, 200)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, domain.ReasonInsufficientClientLim, res.Reason)

	l := engine.Get(key)
	assert.LessOrEqual(t, l.ReservedShort, l.ShortLimit)
	assert.Equal(t, int64(400), l.ReservedShort, "rejected attempt reserves nothing")
}

func TestAULimitRejectionReason(t *testing.T) {
	engine, _ := testEngine(t)
	key := engine.Key(domain.ScopeAU, "AU-A", "S1")

	res, err := engine.CheckAndReserve(key, domain.SideShortSell, 10)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, domain.ReasonInsufficientAULimit, res.Reason)
}

func TestReleaseAndCommitAreSingleUse(t *testing.T) {
	engine, _ := testEngine(t)
	key := engine.Key(domain.ScopeClient, "C1", "S1")
	engine.SetLimit(key, domain.SideShortSell, 100)

	res, err := engine.CheckAndReserve(key, domain.SideShortSell, 60)
	require.NoError(t, err)
	require.True(t, res.Approved)

	outcome, err := engine.Release(res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, outcome)
	assert.Equal(t, int64(0), engine.Get(key).ReservedShort)

	outcome, err = engine.Release(res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonUnknownReservation, outcome)

	res, err = engine.CheckAndReserve(key, domain.SideShortSell, 60)
	require.NoError(t, err)
	require.True(t, res.Approved)

	outcome, err = engine.Commit(res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, outcome)
	assert.Equal(t, int64(60), engine.Get(key).ReservedShort, "commit keeps the reservation consumed")

	outcome, err = engine.Commit(res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonUnknownReservation, outcome)

	outcome, err = engine.Release(res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonUnknownReservation, outcome, "commit then release is rejected")
}

func TestAdjustLimitFromLocateApproval(t *testing.T) {
	engine, _ := testEngine(t)
	key := engine.Key(domain.ScopeClient, "C1", "S1")

	limit := engine.AdjustLimit(key, domain.SideShortSell, 1000)
	assert.Equal(t, int64(1000), limit)

	limit = engine.AdjustLimit(key, domain.SideShortSell, -200)
	assert.Equal(t, int64(800), limit)
}

func TestRebuildResetsReservations(t *testing.T) {
	engine, _ := testEngine(t)
	key := engine.Key(domain.ScopeClient, "C1", "S1")
	engine.SetLimit(key, domain.SideShortSell, 100)

	res, err := engine.CheckAndReserve(key, domain.SideShortSell, 80)
	require.NoError(t, err)
	require.True(t, res.Approved)

	require.NoError(t, engine.Rebuild("2026-08-25", []*domain.Limit{
		{Key: domain.LimitKey{Scope: domain.ScopeClient, OwnerID: "C1", SecurityID: "S1"}, ShortLimit: 300},
	}))

	newKey := engine.Key(domain.ScopeClient, "C1", "S1")
	assert.Equal(t, domain.BusinessDate("2026-08-25"), newKey.BusinessDate)
	l := engine.Get(newKey)
	require.NotNil(t, l)
	assert.Equal(t, int64(300), l.ShortLimit)
	assert.Equal(t, int64(0), l.ReservedShort)

	outcome, err := engine.Release(res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonUnknownReservation, outcome, "reservations do not cross the SOD boundary")
}

func TestFlushRecoverRoundTrip(t *testing.T) {
	engine, _ := testEngine(t)
	key := engine.Key(domain.ScopeClient, "C1", "S1")
	engine.SetLimit(key, domain.SideShortSell, 500)
	_, err := engine.CheckAndReserve(key, domain.SideShortSell, 100)
	require.NoError(t, err)
	require.NoError(t, engine.Flush())

	restored := NewEngine(engine.repo, nil, "2026-08-24", zerolog.Nop())
	require.NoError(t, restored.Recover())

	l := restored.Get(key)
	require.NotNil(t, l)
	assert.Equal(t, int64(500), l.ShortLimit)
	assert.Equal(t, int64(100), l.ReservedShort)
}

// readbackPublisher queries the engine from inside Publish, the way a
// same-process subscriber would. It only completes when the shard lock is not
// held across the publish.
type readbackPublisher struct {
	engine *Engine
	key    domain.LimitKey
	seen   []int64
}

func (p *readbackPublisher) Publish(e *fabric.Event) error {
	if l := p.engine.Get(p.key); l != nil {
		p.seen = append(p.seen, l.ReservedShort)
	}
	return nil
}

func TestPublishRunsOutsideShardLock(t *testing.T) {
	engine, _ := testEngine(t)
	key := engine.Key(domain.ScopeClient, "C1", "S1")

	pub := &readbackPublisher{engine: engine, key: key}
	engine.pub = pub

	engine.SetLimit(key, domain.SideShortSell, 500)
	res, err := engine.CheckAndReserve(key, domain.SideShortSell, 100)
	require.NoError(t, err)
	require.True(t, res.Approved)

	require.NotEmpty(t, pub.seen)
	assert.Equal(t, int64(100), pub.seen[len(pub.seen)-1],
		"published delta reflects the committed reservation")

	_, err = engine.Release(res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pub.seen[len(pub.seen)-1])
}

func TestConcurrentReservationsNeverOversubscribe(t *testing.T) {
	engine, _ := testEngine(t)
	key := engine.Key(domain.ScopeClient, "C1", "S1")
	engine.SetLimit(key, domain.SideShortSell, 50)

	const attempts = 200
	approved := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.CheckAndReserve(key, domain.SideShortSell, 1)
			require.NoError(t, err)
			approved <- res.Approved
		}()
	}
	wg.Wait()
	close(approved)

	var granted int
	for ok := range approved {
		if ok {
			granted++
		}
	}
	assert.Equal(t, 50, granted)
	l := engine.Get(key)
	assert.Equal(t, int64(50), l.ReservedShort)
	assert.LessOrEqual(t, l.ReservedShort, l.ShortLimit)
}

func TestLimitDeltaPublished(t *testing.T) {
	engine, pub := testEngine(t)
	key := engine.Key(domain.ScopeClient, "C1", "S1")
	engine.SetLimit(key, domain.SideShortSell, 500)

	_, err := engine.CheckAndReserve(key, domain.SideShortSell, 100)
	require.NoError(t, err)

	require.NotEmpty(t, pub.events)
	last := pub.events[len(pub.events)-1]
	assert.Equal(t, fabric.StreamLimitDelta, last.Stream)

	var d Delta
	require.NoError(t, fabric.DecodePayload(last.Payload, &d))
	assert.Equal(t, domain.ScopeClient, d.Scope)
	assert.Equal(t, int64(500), d.Limit)
	assert.Equal(t, int64(100), d.Reserved)
}
