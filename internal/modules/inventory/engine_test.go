package inventory

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
	"github.com/meridian-pb/inventory/internal/modules/position"
	"github.com/meridian-pb/inventory/internal/modules/rules"
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
		if e.Stream != fabric.StreamInventoryDelta {
			continue
		}
		var d Delta
		require.NoError(t, fabric.DecodePayload(e.Payload, &d))
		out = append(out, d)
	}
	return out
}

type stubResolver struct {
	markets map[string]string
}

func (r *stubResolver) GetSecurity(internalID string) (*domain.Security, error) {
	market, ok := r.markets[internalID]
	if !ok {
		return nil, nil
	}
	return &domain.Security{InternalID: internalID, Market: market}, nil
}

func testEngine(t *testing.T, ruleSet []*rules.Rule, markets map[string]string) (*Engine, *capturingPublisher) {
	t.Helper()

	invDB, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "inventory.db"),
		Profile: database.ProfileProjection,
		Name:    "inventory",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = invDB.Close() })

	rulesDB, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "rules.db"),
		Name: "rules",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rulesDB.Close() })

	ruleRepo := rules.NewRepository(rulesDB, zerolog.Nop())
	for _, rule := range ruleSet {
		require.NoError(t, ruleRepo.Upsert(rule))
	}
	ruleEngine, err := rules.NewEngine(ruleRepo, zerolog.Nop())
	require.NoError(t, err)

	pub := &capturingPublisher{}
	engine := NewEngine(NewRepository(invDB, zerolog.Nop()), pub, ruleEngine,
		&stubResolver{markets: markets}, "2026-08-24", zerolog.Nop())
	return engine, pub
}

func longPosition(book, securityID string, qty int64, flags domain.PositionFlag) position.Delta {
	p := domain.NewPosition(book, securityID, "2026-08-24", 5)
	p.TDQty = qty
	p.SDQty = qty
	p.Flags = flags
	return position.Delta{Book: book, SecurityID: securityID, BusinessDate: "2026-08-24", Post: p}
}

func twBorrowExclusion() *rules.Rule {
	return &rules.Rule{
		ID: "tw-borrow-exclusion", Version: 1, Type: rules.RuleForLoan,
		Market: "TW", Priority: 10, Status: rules.StatusActive,
		Actions: []rules.Action{{Type: rules.ActionExclude, Params: map[string]string{"bucket": BucketBorrowed}}},
	}
}

func TestBorrowedExcludedOnlyWhereRuleApplies(t *testing.T) {
	engine, _ := testEngine(t, []*rules.Rule{twBorrowExclusion()},
		map[string]string{"S-TW": "TW", "S-US": "US"})

	for _, securityID := range []string{"S-TW", "S-US"} {
		_, err := engine.ApplyPositionDelta(longPosition("B1", securityID, 700, 0), 1)
		require.NoError(t, err)
		_, err = engine.ApplyPositionDelta(longPosition("B2", securityID, 300, domain.FlagBorrowed), 2)
		require.NoError(t, err)
	}

	tw, err := engine.Category("S-TW", "TW", CategoryForLoan)
	require.NoError(t, err)
	assert.Equal(t, int64(700), tw, "borrowed shares excluded in TW")

	us, err := engine.Category("S-US", "US", CategoryForLoan)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), us, "US permits re-lending borrowed shares")
}

func TestLocateDecrementMutatesLocatePoolOnly(t *testing.T) {
	engine, _ := testEngine(t, nil, map[string]string{"S1": "US"})

	_, err := engine.ApplyPositionDelta(longPosition("B1", "S1", 5000, 0), 1)
	require.NoError(t, err)

	avail, err := engine.AdjustLocateDecrement("S1", 800)
	require.NoError(t, err)
	assert.Equal(t, int64(4200), avail)

	forLoan, err := engine.Category("S1", "US", CategoryForLoan)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), forLoan, "decrement must not touch for-loan")

	// Intraday raise by the execution overshoot.
	avail, err = engine.AdjustLocateDecrement("S1", 150)
	require.NoError(t, err)
	assert.Equal(t, int64(4050), avail)
}

func TestContractBucketsAndOverborrow(t *testing.T) {
	engine, _ := testEngine(t, nil, map[string]string{"S1": "US"})

	_, err := engine.ApplyPositionDelta(longPosition("B1", "S1", 1000, 0), 1)
	require.NoError(t, err)

	// A loan reduces for-loan; a retrievable repo pledge stays available.
	_, err = engine.ApplyContract(position.ContractEvent{
		ContractID: "C1", Type: domain.ContractLoan, SecurityID: "S1", Qty: 200,
	}, 2)
	require.NoError(t, err)
	_, err = engine.ApplyContract(position.ContractEvent{
		ContractID: "C2", Type: domain.ContractRepo, SecurityID: "S1", Qty: 100, Retrievable: true,
	}, 3)
	require.NoError(t, err)

	forLoan, err := engine.Category("S1", "US", CategoryForLoan)
	require.NoError(t, err)
	assert.Equal(t, int64(900), forLoan, "1000 + 100 retrievable - 200 loaned")

	// Borrows beyond loans plus pay-to-holds are overborrow surplus.
	_, err = engine.ApplyContract(position.ContractEvent{
		ContractID: "C3", Type: domain.ContractBorrow, SecurityID: "S1", Qty: 500,
	}, 4)
	require.NoError(t, err)
	require.NoError(t, engine.AdjustPayToHold("S1", 100))

	overborrow, err := engine.Category("S1", "US", CategoryOverborrow)
	require.NoError(t, err)
	assert.Equal(t, int64(200), overborrow, "500 borrowed - 200 loaned - 100 pay-to-hold")
}

func TestExternalAvailabilityByType(t *testing.T) {
	engine, _ := testEngine(t, nil, map[string]string{"S1": "US"})

	_, err := engine.ApplyAvailability(domain.ExternalAvailability{
		Lender: "L1", SecurityID: "S1", EffectiveDate: "2026-08-24",
		Type: domain.AvailabilityExclusive, Quantity: 400,
	}, 1)
	require.NoError(t, err)

	// Indicative quotes carry no lendable quantity.
	_, err = engine.ApplyAvailability(domain.ExternalAvailability{
		Lender: "L2", SecurityID: "S1", EffectiveDate: "2026-08-24",
		Type: domain.AvailabilityIndicative, Quantity: 9999,
	}, 2)
	require.NoError(t, err)

	// Firm quotes sit outside the default for-loan composition.
	_, err = engine.ApplyAvailability(domain.ExternalAvailability{
		Lender: "L3", SecurityID: "S1", EffectiveDate: "2026-08-24",
		Type: domain.AvailabilityFirm, Quantity: 250,
	}, 3)
	require.NoError(t, err)

	forLoan, err := engine.Category("S1", "US", CategoryForLoan)
	require.NoError(t, err)
	assert.Equal(t, int64(400), forLoan, "only exclusive availability counts by default")
}

func TestFirmAvailabilityAdmittedByMarketRule(t *testing.T) {
	firmInclude := &rules.Rule{
		ID: "us-firm-include", Version: 1, Type: rules.RuleForLoan,
		Market: "US", Priority: 10, Status: rules.StatusActive,
		Actions: []rules.Action{{Type: rules.ActionInclude, Params: map[string]string{"bucket": BucketExternalFirm}}},
	}
	engine, _ := testEngine(t, []*rules.Rule{firmInclude}, map[string]string{"S1": "US"})

	_, err := engine.ApplyAvailability(domain.ExternalAvailability{
		Lender: "L1", SecurityID: "S1", EffectiveDate: "2026-08-24",
		Type: domain.AvailabilityExclusive, Quantity: 400,
	}, 1)
	require.NoError(t, err)
	_, err = engine.ApplyAvailability(domain.ExternalAvailability{
		Lender: "L3", SecurityID: "S1", EffectiveDate: "2026-08-24",
		Type: domain.AvailabilityFirm, Quantity: 250,
	}, 2)
	require.NoError(t, err)

	forLoan, err := engine.Category("S1", "US", CategoryForLoan)
	require.NoError(t, err)
	assert.Equal(t, int64(650), forLoan, "the market rule admits firm quotes")
}

func TestDeltaEmissionIsIncrementalAndOrdered(t *testing.T) {
	engine, pub := testEngine(t, nil, map[string]string{"S1": "US"})

	_, err := engine.ApplyPositionDelta(longPosition("B1", "S1", 100, 0), 1)
	require.NoError(t, err)

	first := pub.deltas(t)
	require.NotEmpty(t, first)
	var forLoanDelta *Delta
	for i := range first {
		if first[i].Category == CategoryForLoan {
			forLoanDelta = &first[i]
		}
	}
	require.NotNil(t, forLoanDelta)
	assert.Equal(t, int64(0), forLoanDelta.Pre)
	assert.Equal(t, int64(100), forLoanDelta.Post)

	// An identical position replay publishes nothing new.
	n := len(pub.events)
	_, err = engine.ApplyPositionDelta(longPosition("B1", "S1", 100, 0), 2)
	require.NoError(t, err)
	assert.Len(t, pub.events, n, "unchanged categories emit no deltas")
}

func TestRuleChangeTriggersFullRecompute(t *testing.T) {
	engine, pub := testEngine(t, nil, map[string]string{"S-TW": "TW"})

	_, err := engine.ApplyPositionDelta(longPosition("B1", "S-TW", 700, 0), 1)
	require.NoError(t, err)
	_, err = engine.ApplyPositionDelta(longPosition("B2", "S-TW", 300, domain.FlagBorrowed), 2)
	require.NoError(t, err)

	forLoan, err := engine.Category("S-TW", "TW", CategoryForLoan)
	require.NoError(t, err)
	require.Equal(t, int64(1000), forLoan)

	_, err = engine.rules.Apply(twBorrowExclusion())
	require.NoError(t, err)
	require.NoError(t, engine.RecomputeAll(context.Background()))

	forLoan, err = engine.Category("S-TW", "TW", CategoryForLoan)
	require.NoError(t, err)
	assert.Equal(t, int64(700), forLoan)

	deltas := pub.deltas(t)
	last := deltas[len(deltas)-1]
	assert.Equal(t, int64(1000), last.Pre)
	assert.Equal(t, int64(700), last.Post)
}

// TestReplayReproducesOutputsAcrossRuleChange rebuilds a fresh engine from
// the event log alone. Events consumed before the logged rule change must
// reproduce the outputs of the old snapshot, events after it the new one.
func TestReplayReproducesOutputsAcrossRuleChange(t *testing.T) {
	logDB, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "eventlog.db"),
		Profile: database.ProfileLedger,
		Name:    "eventlog",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logDB.Close() })

	evLog, err := fabric.NewEventLog(logDB)
	require.NoError(t, err)
	// One partition keeps each stream totally ordered. The fabric is never
	// started, so Publish appends to the log without dispatching.
	fab := fabric.New(fabric.Config{Partitions: 1}, evLog, zerolog.Nop())

	appendDelta := func(d position.Delta) *fabric.Event {
		payload, err := fabric.EncodePayload(&d)
		require.NoError(t, err)
		ev := &fabric.Event{
			Type: "position-delta", Source: "position-engine",
			Stream: fabric.StreamPositionDelta, PartitionKey: d.SecurityID,
			Payload: payload,
		}
		require.NoError(t, fab.Publish(ev))
		return ev
	}

	forLoanOf := func(e *Engine) int64 {
		v, err := e.Category("S-TW", "TW", CategoryForLoan)
		require.NoError(t, err)
		return v
	}

	// Original run: two deltas under snapshot v1, a rule change, one more.
	engineA, _ := testEngine(t, nil, map[string]string{"S-TW": "TW"})
	engineA.rules.SetPublisher(fab)

	var original []int64
	ctx := context.Background()

	require.NoError(t, engineA.Handle(ctx, appendDelta(longPosition("B1", "S-TW", 700, 0))))
	original = append(original, forLoanOf(engineA))
	require.NoError(t, engineA.Handle(ctx, appendDelta(longPosition("B2", "S-TW", 300, domain.FlagBorrowed))))
	original = append(original, forLoanOf(engineA))

	_, err = engineA.rules.Apply(twBorrowExclusion())
	require.NoError(t, err)
	require.NoError(t, engineA.RecomputeAll(ctx))

	require.NoError(t, engineA.Handle(ctx, appendDelta(longPosition("B2", "S-TW", 310, domain.FlagBorrowed))))
	original = append(original, forLoanOf(engineA))

	require.Equal(t, []int64{700, 1000, 700}, original,
		"borrowed counts before the change, never after")

	// Replica run: merge the logged streams by wall time and re-consume.
	engineB, _ := testEngine(t, nil, map[string]string{"S-TW": "TW"})

	deltas, err := evLog.ReadFrom(fabric.StreamPositionDelta, 0, 0, 1024)
	require.NoError(t, err)
	changes, err := evLog.ReadFrom(fabric.StreamRuleChange, 0, 0, 1024)
	require.NoError(t, err)
	require.Len(t, changes, 1, "the rule change is in the log")

	merged := append(append([]*fabric.Event(nil), deltas...), changes...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].WallTime.Before(merged[j].WallTime) })

	var replayed []int64
	for _, ev := range merged {
		if ev.Stream == fabric.StreamRuleChange {
			var change rules.ChangeEvent
			require.NoError(t, fabric.DecodePayload(ev.Payload, &change))
			_, err := engineB.rules.Apply(change.Rule)
			require.NoError(t, err)
			require.NoError(t, engineB.RecomputeAll(ctx))
			continue
		}
		require.NoError(t, engineB.Handle(ctx, ev))
		replayed = append(replayed, forLoanOf(engineB))
	}

	assert.Equal(t, original, replayed, "replayed outputs match the original run segment by segment")
}

func TestVerifyDriftRepairsProjection(t *testing.T) {
	engine, _ := testEngine(t, nil, map[string]string{"S1": "US"})

	_, err := engine.ApplyPositionDelta(longPosition("B1", "S1", 100, 0), 1)
	require.NoError(t, err)

	drifted, err := engine.VerifyDrift(context.Background())
	require.NoError(t, err)
	assert.Zero(t, drifted)

	// Corrupt the stored projection behind the engine's back.
	require.NoError(t, engine.repo.SaveCategory("S1", "US", "2026-08-24", CategoryForLoan, 42, 1))

	drifted, err = engine.VerifyDrift(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, drifted)

	stored, found, err := engine.repo.GetCategory("S1", "US", "2026-08-24", CategoryForLoan)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(100), stored)
}

func TestProjectedForLoanWalksLadder(t *testing.T) {
	engine, _ := testEngine(t, nil, map[string]string{"S1": "US"})

	p := domain.NewPosition("B1", "S1", "2026-08-24", 5)
	p.TDQty = 100
	p.SDQty = 100
	p.Receipt[1] = 10
	p.Deliver[2] = 5
	p.Receipt[5] = 999 // long-dated tail, never projected
	_, err := engine.ApplyPositionDelta(position.Delta{
		Book: "B1", SecurityID: "S1", BusinessDate: "2026-08-24", Post: p,
	}, 1)
	require.NoError(t, err)

	projected, err := engine.ProjectedForLoan("S1", "US", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(105), projected)

	projected, err = engine.ProjectedForLoan("S1", "US", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(105), projected, "tail excluded")
}
