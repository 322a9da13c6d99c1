package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-pb/inventory/internal/config"
	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
	"github.com/meridian-pb/inventory/internal/modules/inventory"
	"github.com/meridian-pb/inventory/internal/modules/limits"
	"github.com/meridian-pb/inventory/internal/modules/locates"
	"github.com/meridian-pb/inventory/internal/modules/marketdata"
	"github.com/meridian-pb/inventory/internal/modules/position"
	"github.com/meridian-pb/inventory/internal/modules/reference"
	"github.com/meridian-pb/inventory/internal/modules/rules"
	"github.com/meridian-pb/inventory/internal/modules/shortsell"
	"github.com/meridian-pb/inventory/internal/telemetry"
)

type nopPublisher struct{}

func (nopPublisher) Publish(*fabric.Event) error { return nil }

const testDate = domain.BusinessDate("2026-08-24")

func openDB(t *testing.T, dir, name string) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(dir, name+".db"),
		Name: name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	pub := nopPublisher{}
	log := zerolog.Nop()

	refDB := openDB(t, dir, "reference")
	posDB := openDB(t, dir, "position")
	invDB := openDB(t, dir, "inventory")
	limDB := openDB(t, dir, "limits")
	locDB := openDB(t, dir, "locate")
	rulesDB := openDB(t, dir, "rules")
	mktDB := openDB(t, dir, "marketdata")

	refSvc := reference.NewService(reference.NewRepository(refDB, log), pub,
		[]string{"reuters", "bloomberg"}, log)
	_, err := refSvc.UpsertSecurity(&domain.Security{
		InternalID: "S1", Market: "US", Currency: "USD", Status: "active",
		Type: domain.SecurityEquity, Temperature: domain.TemperatureGeneralCollateral,
		ProviderVersion: 1,
	})
	require.NoError(t, err)
	require.NoError(t, refSvc.Repo().PutAggregationUnit(&domain.AggregationUnit{
		ID: "AU-A", Market: "US", Name: "principal", Type: domain.AUShort,
	}))
	require.NoError(t, refSvc.Repo().MapBookToAU("B1", "US", "AU-A"))

	ruleEngine, err := rules.NewEngine(rules.NewRepository(rulesDB, log), log)
	require.NoError(t, err)

	posEngine := position.NewEngine(position.NewRepository(posDB, log), pub,
		position.Options{LadderDays: 5, BusinessDate: testDate}, log)
	invEngine := inventory.NewEngine(inventory.NewRepository(invDB, log), pub,
		ruleEngine, refSvc.Repo(), testDate, log)
	limEngine := limits.NewEngine(limits.NewRepository(limDB, log), pub, testDate, log)
	locSvc := locates.NewService(locates.NewRepository(locDB, log), invEngine, limEngine,
		ruleEngine, refSvc.Repo(), pub, 50*time.Millisecond, 0, log)
	validator := shortsell.NewValidator(limEngine, refSvc.Repo(), refSvc.Repo(), pub,
		150*time.Millisecond, log)
	mktSvc := marketdata.NewService(marketdata.NewRepository(mktDB, log), log)

	cfg := &config.Config{Port: 0, LadderDays: 5}
	return New(cfg, Deps{
		Positions: posEngine,
		Inventory: invEngine,
		Limits:    limEngine,
		Locates:   locSvc,
		ShortSell: validator,
		Reference: refSvc,
		Market:    mktSvc,
		Databases: []*database.DB{refDB, posDB, invDB, limDB, locDB, rulesDB, mktDB},
		Latency:   telemetry.NewRecorder(),
		Hub:       NewHub(log),
	}, log)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Status    string            `json:"status"`
		Databases map[string]string `json:"databases"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "healthy", out.Status)
	assert.Equal(t, "ok", out.Databases["reference"])
	assert.Len(t, out.Databases, 7)
}

func TestLimitSetAndGet(t *testing.T) {
	s := testServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/limits", setLimitRequest{
		Scope: domain.ScopeClient, OwnerID: "C1", SecurityID: "S1",
		Side: domain.SideShortSell, Value: 500,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/limits?scope=client&owner=C1&security=S1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var l domain.Limit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &l))
	assert.Equal(t, int64(500), l.ShortLimit)

	rec = doJSON(t, s, http.MethodGet, "/api/limits?scope=client&owner=C2&security=S1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPayToHoldRaisesClientShortLimit(t *testing.T) {
	s := testServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/inventory/S1/pay-to-hold", payToHoldRequest{
		ClientID: "C1", Qty: 300,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	l := s.deps.Limits.Get(s.deps.Limits.Key(domain.ScopeClient, "C1", "S1"))
	require.NotNil(t, l)
	assert.Equal(t, int64(300), l.ShortLimit)

	rec = doJSON(t, s, http.MethodPost, "/api/inventory/S1/pay-to-hold", payToHoldRequest{
		ClientID: "C1", Qty: -100,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(200), s.deps.Limits.Get(s.deps.Limits.Key(domain.ScopeClient, "C1", "S1")).ShortLimit)

	rec = doJSON(t, s, http.MethodPost, "/api/inventory/S1/pay-to-hold", payToHoldRequest{Qty: 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a hold always belongs to a client")
}

func TestOrderValidationOverHTTP(t *testing.T) {
	s := testServer(t)
	s.deps.Limits.SetLimit(s.deps.Limits.Key(domain.ScopeClient, "C1", "S1"), domain.SideShortSell, 500)
	s.deps.Limits.SetLimit(s.deps.Limits.Key(domain.ScopeAU, "AU-A", "S1"), domain.SideShortSell, 1000)

	rec := doJSON(t, s, http.MethodPost, "/api/orders/validate", validateOrderRequest{
		OrderID: "O1", SecurityID: "S1", Book: "B1", ClientID: "C1",
		Side: string(domain.SideShortSell), Qty: 400,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res shortsell.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.OutcomeApproved, res.Outcome)

	rec = doJSON(t, s, http.MethodPost, "/api/orders/validate", validateOrderRequest{
		OrderID: "O2", SecurityID: "S1", Book: "B1", ClientID: "C1",
		Side: string(domain.SideShortSell), Qty: 200,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.ReasonInsufficientClientLim, res.Outcome)

	rec = doJSON(t, s, http.MethodPost, "/api/orders/O1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLocateSubmitAndFetch(t *testing.T) {
	s := testServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/locates", submitLocateRequest{
		Requestor: "desk-1", ClientID: "C1", SecurityID: "S1",
		Type: string(domain.LocateShort), RequestedQty: 100,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var dec locates.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	// No auto rules are loaded, so the request routes to manual review.
	assert.Equal(t, domain.LocatePendingReview, dec.State)

	rec = doJSON(t, s, http.MethodGet, "/api/locates/"+dec.LocateID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/locates/review", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var queue []*domain.LocateRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	assert.Len(t, queue, 1)

	rec = doJSON(t, s, http.MethodGet, "/api/locates/?client=C1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []*domain.LocateRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, dec.LocateID, listed[0].ID)
}

func TestPositionQuerySurface(t *testing.T) {
	s := testServer(t)
	_, err := s.deps.Positions.ApplySOD(position.SODLoad{
		Book: "B1", SecurityID: "S1", BusinessDate: testDate,
		TDQty: 100, SDQty: 100,
	}, 1)
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/positions/B1/S1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p domain.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, int64(100), p.TDQty)

	rec = doJSON(t, s, http.MethodGet, "/api/positions/security/S1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agg struct {
		TotalTD int64 `json:"total_td"`
		TotalSD int64 `json:"total_sd"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, int64(100), agg.TotalTD)

	rec = doJSON(t, s, http.MethodGet, "/api/positions/B9/S1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInventoryQueryRequiresMarket(t *testing.T) {
	s := testServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/inventory/S1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/inventory/S1?market=US", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Categories map[string]int64 `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out.Categories, "for-loan")
}

func TestResolveEndpoint(t *testing.T) {
	s := testServer(t)
	_, err := s.deps.Reference.UpsertSecurity(&domain.Security{
		InternalID: "S1", Market: "US", Currency: "USD", Status: "active",
		Type: domain.SecurityEquity, Temperature: domain.TemperatureGeneralCollateral,
		ProviderVersion: 2,
		ExternalIDs: []domain.ExternalID{
			{Source: "reuters", IDType: "RIC", Value: "ACME.N"},
		},
	})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/reference/resolve?source=reuters&type=RIC&value=ACME.N", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		InternalID string             `json:"internal_id"`
		Outcome    domain.OutcomeCode `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "S1", out.InternalID)
	assert.Equal(t, domain.OutcomeApproved, out.Outcome)

	rec = doJSON(t, s, http.MethodGet, "/api/reference/resolve?source=reuters&type=RIC&value=NOPE", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, domain.ReasonUnmapped, out.Outcome)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &wsClient{frames: make(chan []byte, clientBuffer)}
	hub.register(c)
	require.Equal(t, 1, hub.ClientCount())

	payload, err := fabric.EncodePayload(map[string]interface{}{"security_id": "S1", "qty": int64(5)})
	require.NoError(t, err)
	require.NoError(t, hub.Handle(context.Background(), &fabric.Event{
		Stream: fabric.StreamInventoryDelta, Type: "inventory-delta",
		Sequence: 7, Payload: payload, WallTime: time.Now(),
	}))

	select {
	case data := <-c.frames:
		var frame Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, "inventory-delta", frame.Stream)
		assert.Equal(t, uint64(7), frame.Sequence)
		assert.Contains(t, string(frame.Payload), "S1")
	default:
		t.Fatal("expected a broadcast frame")
	}

	hub.unregister(c)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubStreamFilter(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &wsClient{
		frames:  make(chan []byte, clientBuffer),
		streams: map[string]struct{}{string(fabric.StreamLocate): {}},
	}
	hub.register(c)

	require.NoError(t, hub.Handle(context.Background(), &fabric.Event{
		Stream: fabric.StreamLimitDelta, Type: "limit-delta",
	}))
	require.NoError(t, hub.Handle(context.Background(), &fabric.Event{
		Stream: fabric.StreamLocate, Type: "locate-decision",
	}))

	require.Len(t, c.frames, 1)
	var frame Frame
	require.NoError(t, json.Unmarshal(<-c.frames, &frame))
	assert.Equal(t, string(fabric.StreamLocate), frame.Stream)
}

func TestSlowSubscriberDropped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &wsClient{frames: make(chan []byte, 1)}
	hub.register(c)

	ev := &fabric.Event{Stream: fabric.StreamLimitDelta, Type: "limit-delta"}
	require.NoError(t, hub.Handle(context.Background(), ev))
	require.NoError(t, hub.Handle(context.Background(), ev))
	assert.Equal(t, 0, hub.ClientCount())
}
