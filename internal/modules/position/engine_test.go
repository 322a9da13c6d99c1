package position

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
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

func (p *capturingPublisher) deltas(t *testing.T) []Delta {
	t.Helper()
	var out []Delta
	for _, e := range p.events {
		if e.Stream != fabric.StreamPositionDelta {
			continue
		}
		var d Delta
		require.NoError(t, fabric.DecodePayload(e.Payload, &d))
		out = append(out, d)
	}
	return out
}

func testEngine(t *testing.T) (*Engine, *capturingPublisher) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "position.db"),
		Profile: database.ProfileProjection,
		Name:    "position",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pub := &capturingPublisher{}
	engine := NewEngine(NewRepository(db, zerolog.Nop()), pub, Options{
		LadderDays:   5,
		BusinessDate: "2026-08-24",
	}, zerolog.Nop())
	return engine, pub
}

func TestSettlementLadderAfterSODBuySell(t *testing.T) {
	engine, _ := testEngine(t)

	outcome, err := engine.ApplySOD(SODLoad{
		Book: "B1", SecurityID: "S1", BusinessDate: "2026-08-24",
		TDQty: 100, SDQty: 100,
		Deliver: []int64{0, 0, 0, 0, 0}, Receipt: []int64{0, 0, 0, 0, 0},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, outcome)

	_, err = engine.ApplyTrade(Trade{
		OrderID: "O1", SecurityID: "S1", Book: "B1", Side: domain.SideBuy,
		Qty: 10, TradeDate: "2026-08-24", SettlementDate: "2026-08-25",
	}, 2)
	require.NoError(t, err)

	_, err = engine.ApplyTrade(Trade{
		OrderID: "O2", SecurityID: "S1", Book: "B1", Side: domain.SideSell,
		Qty: 5, TradeDate: "2026-08-24", SettlementDate: "2026-08-26",
	}, 3)
	require.NoError(t, err)

	p := engine.Get("B1", "S1")
	require.NotNil(t, p)
	assert.Equal(t, int64(105), p.TDQty)
	assert.Equal(t, int64(100), p.SDQty)
	assert.Equal(t, []int64{0, 10, 0, 0, 0, 0}, p.Receipt)
	assert.Equal(t, []int64{0, 0, 5, 0, 0, 0}, p.Deliver)
	assert.Equal(t, int64(105), p.ProjectedSD(2))
	assert.Equal(t, int64(10), p.IntradayBuy)
	assert.Equal(t, int64(5), p.IntradaySell)
}

func TestZeroQtyTradeIsSilentNoOp(t *testing.T) {
	engine, pub := testEngine(t)

	outcome, err := engine.ApplyTrade(Trade{
		SecurityID: "S1", Book: "B1", Side: domain.SideBuy,
		Qty: 0, SettlementDate: "2026-08-25",
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, outcome)
	assert.Empty(t, pub.deltas(t))
}

func TestSODLoadIdempotentAndStale(t *testing.T) {
	engine, _ := testEngine(t)

	load := SODLoad{
		Book: "B1", SecurityID: "S1", BusinessDate: "2026-08-24",
		TDQty: 100, SDQty: 100,
	}
	_, err := engine.ApplySOD(load, 1)
	require.NoError(t, err)
	_, err = engine.ApplySOD(load, 5)
	require.NoError(t, err)

	p := engine.Get("B1", "S1")
	assert.Equal(t, int64(100), p.TDQty, "reload replaces, never accumulates")

	outcome, err := engine.ApplySOD(SODLoad{
		Book: "B1", SecurityID: "S1", BusinessDate: "2026-08-23", TDQty: 50,
	}, 6)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonStaleSOD, outcome)
	assert.Equal(t, int64(100), engine.Get("B1", "S1").TDQty)
}

func TestDuplicateSequenceIsDropped(t *testing.T) {
	engine, _ := testEngine(t)

	trade := Trade{
		SecurityID: "S1", Book: "B1", Side: domain.SideBuy,
		Qty: 10, SettlementDate: "2026-08-25",
	}
	_, err := engine.ApplyTrade(trade, 7)
	require.NoError(t, err)

	outcome, err := engine.ApplyTrade(trade, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDuplicate, outcome)
	assert.Equal(t, int64(10), engine.Get("B1", "S1").TDQty)
}

func TestLongDatedSettlementGoesToTail(t *testing.T) {
	engine, _ := testEngine(t)

	_, err := engine.ApplyTrade(Trade{
		SecurityID: "S1", Book: "B1", Side: domain.SideBuy,
		Qty: 10, SettlementDate: "2026-12-31",
	}, 1)
	require.NoError(t, err)

	p := engine.Get("B1", "S1")
	assert.Equal(t, int64(10), p.Receipt[5], "beyond-horizon settles in the tail")
	assert.Equal(t, int64(0), p.ProjectedSD(4), "tail excluded from SD projections")
}

func TestExecutionOverfillPostsToParentBucket(t *testing.T) {
	engine, _ := testEngine(t)

	_, err := engine.ApplyTrade(Trade{
		OrderID: "O1", SecurityID: "S1", Book: "B1", Side: domain.SideSell,
		Qty: 100, SettlementDate: "2026-08-26",
	}, 1)
	require.NoError(t, err)

	var fills []ExecutionDelta
	engine.OnExecution(func(d ExecutionDelta) { fills = append(fills, d) })

	_, err = engine.ApplyExecution(Execution{ExecutionID: "X1", OrderID: "O1", Qty: 60}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(100), engine.Get("B1", "S1").Deliver[2], "fills within order qty are already posted")

	_, err = engine.ApplyExecution(Execution{ExecutionID: "X2", OrderID: "O1", Qty: 60}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(120), engine.Get("B1", "S1").Deliver[2], "overfill extends the same bucket")

	require.Len(t, fills, 2)
	assert.Equal(t, int64(120), fills[1].ExecutedQty)

	outcome, err := engine.ApplyExecution(Execution{ExecutionID: "X3", OrderID: "NOPE", Qty: 1}, 4)
	require.Error(t, err)
	assert.Equal(t, domain.ReasonUnmapped, outcome)
}

func TestContractEventFlipsFlags(t *testing.T) {
	engine, _ := testEngine(t)

	_, err := engine.ApplyContract(ContractEvent{
		ContractID: "C1", Type: domain.ContractBorrow,
		SecurityID: "S1", Book: "B1", Qty: 300,
	}, 1)
	require.NoError(t, err)
	assert.True(t, engine.Get("B1", "S1").Flags.Has(domain.FlagBorrowed))

	_, err = engine.ApplyContract(ContractEvent{
		ContractID: "C1", Type: domain.ContractBorrow,
		SecurityID: "S1", Book: "B1", Terminated: true,
	}, 2)
	require.NoError(t, err)
	assert.False(t, engine.Get("B1", "S1").Flags.Has(domain.FlagBorrowed))
}

func TestCorporateActionFactorAndPending(t *testing.T) {
	engine, _ := testEngine(t)

	_, err := engine.ApplySOD(SODLoad{
		Book: "B1", SecurityID: "S1", BusinessDate: "2026-08-24",
		TDQty: 100, SDQty: 100,
	}, 1)
	require.NoError(t, err)

	// Unknown value date: annotated, totals unchanged.
	_, err = engine.ApplyCorporateAction(CorporateAction{
		SecurityID: "S1", Factor: decimal.NewFromInt(2),
	}, 2)
	require.NoError(t, err)
	p := engine.Get("B1", "S1")
	assert.True(t, p.PendingCA)
	assert.Equal(t, int64(100), p.TDQty)

	// Value date arrives: factor applies, annotation clears.
	_, err = engine.ApplyCorporateAction(CorporateAction{
		SecurityID: "S1", Factor: decimal.NewFromInt(2), ValueDate: "2026-08-24",
	}, 3)
	require.NoError(t, err)
	p = engine.Get("B1", "S1")
	assert.False(t, p.PendingCA)
	assert.Equal(t, int64(200), p.TDQty)
	assert.Equal(t, int64(200), p.SDQty)
}

func TestInvariantViolationPreservesStateAndHalts(t *testing.T) {
	engine, _ := testEngine(t)

	var haltedStream fabric.Stream
	haltedPartition := -1
	engine.SetHalter(func(s fabric.Stream, p int) {
		haltedStream = s
		haltedPartition = p
	})

	// Settled exceeding contractual plus incoming violates the position
	// invariant and must halt the partition without mutating state.
	bad := SODLoad{
		Book: "B1", SecurityID: "S1", BusinessDate: "2026-08-24",
		TDQty: 10, SDQty: 500,
	}
	payload, err := fabric.EncodePayload(&bad)
	require.NoError(t, err)

	err = engine.Handle(context.Background(), &fabric.Event{
		ID: "E1", Type: EventSODLoad, Source: "test",
		Stream: fabric.StreamTrade, PartitionKey: "S1",
		Payload: payload, Sequence: 1, Partition: 3,
	})
	require.NoError(t, err, "halt is not a handler error, the event must not retry")

	assert.Equal(t, fabric.StreamTrade, haltedStream)
	assert.Equal(t, 3, haltedPartition)
	assert.Equal(t, int64(0), engine.Get("B1", "S1").TDQty, "pre-event state preserved")
}

func TestDeltaCarriesDiffAndPostState(t *testing.T) {
	engine, pub := testEngine(t)

	_, err := engine.ApplyTrade(Trade{
		SecurityID: "S1", Book: "B1", Side: domain.SideBuy,
		Qty: 10, SettlementDate: "2026-08-25",
	}, 4)
	require.NoError(t, err)

	deltas := pub.deltas(t)
	require.Len(t, deltas, 1)
	d := deltas[0]
	assert.Equal(t, int64(10), d.TDDelta)
	assert.Equal(t, []int64{0, 10, 0, 0, 0, 0}, d.ReceiptDelta)
	assert.Nil(t, d.DeliverDelta)
	assert.Equal(t, uint64(4), d.Sequence)
	require.NotNil(t, d.Post)
	assert.Equal(t, int64(10), d.Post.TDQty)
}

func TestFlushRecoverRoundTrip(t *testing.T) {
	engine, _ := testEngine(t)

	_, err := engine.ApplyTrade(Trade{
		SecurityID: "S1", Book: "B1", Side: domain.SideBuy,
		Qty: 25, SettlementDate: "2026-08-25",
	}, 9)
	require.NoError(t, err)
	require.NoError(t, engine.Flush())

	restored := NewEngine(engine.repo, nil, Options{
		LadderDays: 5, BusinessDate: "2026-08-24",
	}, zerolog.Nop())
	require.NoError(t, restored.Recover())

	p := restored.Get("B1", "S1")
	require.NotNil(t, p)
	assert.Equal(t, int64(25), p.TDQty)
	assert.Equal(t, uint64(9), p.Sequence)

	// Replayed events at or below the watermark are no-ops.
	outcome, err := restored.ApplyTrade(Trade{
		SecurityID: "S1", Book: "B1", Side: domain.SideBuy,
		Qty: 25, SettlementDate: "2026-08-25",
	}, 9)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDuplicate, outcome)
}

func TestRollBusinessDateIsMonotonic(t *testing.T) {
	engine, _ := testEngine(t)

	_, err := engine.ApplyTrade(Trade{
		SecurityID: "S1", Book: "B1", Side: domain.SideBuy,
		Qty: 10, SettlementDate: "2026-08-25",
	}, 1)
	require.NoError(t, err)

	require.Error(t, engine.RollBusinessDate("2026-08-23"))
	require.NoError(t, engine.RollBusinessDate("2026-08-25"))

	assert.Nil(t, engine.Get("B1", "S1"), "new day starts empty until SOD load")
	assert.Equal(t, domain.BusinessDate("2026-08-25"), engine.BusinessDate())
}
