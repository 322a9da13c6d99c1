package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/modules/shortsell"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth pings every database.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	databases := make(map[string]string, len(s.deps.Databases))
	healthy := true
	for _, db := range s.deps.Databases {
		if err := db.HealthCheck(ctx); err != nil {
			databases[db.Name()] = err.Error()
			healthy = false
			continue
		}
		databases[db.Name()] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":         state,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"databases":      databases,
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"business_date":  s.deps.Positions.BusinessDate(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory_used_percent"] = vm.UsedPercent
		out["memory_used_mb"] = vm.Used / 1024 / 1024
	}
	if du, err := disk.Usage(s.cfg.DataDir); err == nil {
		out["disk_used_percent"] = du.UsedPercent
		out["disk_free_mb"] = du.Free / 1024 / 1024
	}
	if s.deps.Hub != nil {
		out["stream_subscribers"] = s.deps.Hub.ClientCount()
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Latency.Snapshot())
}

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archiver == nil {
		s.writeError(w, http.StatusNotFound, "archiving not configured")
		return
	}
	archives, err := s.deps.Archiver.ListArchives(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, archives)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	book := chi.URLParam(r, "book")
	securityID := chi.URLParam(r, "securityID")

	p := s.deps.Positions.Get(book, securityID)
	if p == nil {
		s.writeError(w, http.StatusNotFound, "position not found")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePositionsBySecurity(w http.ResponseWriter, r *http.Request) {
	securityID := chi.URLParam(r, "securityID")
	positions := s.deps.Positions.BySecurity(securityID)
	td, sd := s.deps.Positions.TotalsBySecurity(securityID)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"security_id": securityID,
		"total_td":    td,
		"total_sd":    sd,
		"positions":   positions,
	})
}

func (s *Server) handleInventoryCategories(w http.ResponseWriter, r *http.Request) {
	securityID := chi.URLParam(r, "securityID")
	market := r.URL.Query().Get("market")
	if market == "" {
		s.writeError(w, http.StatusBadRequest, "market query parameter required")
		return
	}

	categories, err := s.deps.Inventory.CategoriesFor(securityID, market)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"security_id": securityID,
		"market":      market,
		"categories":  categories,
	})
}

func (s *Server) handleInventoryProjected(w http.ResponseWriter, r *http.Request) {
	securityID := chi.URLParam(r, "securityID")
	market := r.URL.Query().Get("market")
	if market == "" {
		s.writeError(w, http.StatusBadRequest, "market query parameter required")
		return
	}
	day, err := strconv.Atoi(r.URL.Query().Get("day"))
	if err != nil || day < 0 {
		s.writeError(w, http.StatusBadRequest, "day query parameter must be a non-negative integer")
		return
	}

	qty, err := s.deps.Inventory.ProjectedForLoan(securityID, market, day)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"security_id": securityID,
		"market":      market,
		"day":         day,
		"for_loan":    qty,
	})
}

type payToHoldRequest struct {
	ClientID string `json:"client_id"`
	Qty      int64  `json:"qty"`
}

// handlePayToHold moves the security's pay-to-hold reservation pool. A paid
// hold reserves borrow capacity for the client, so the client's short-sell
// limit moves with it. Negative quantities release a hold.
func (s *Server) handlePayToHold(w http.ResponseWriter, r *http.Request) {
	securityID := chi.URLParam(r, "securityID")

	var req payToHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" || req.Qty == 0 {
		s.writeError(w, http.StatusBadRequest, "client_id and a non-zero qty required")
		return
	}

	if err := s.deps.Inventory.AdjustPayToHold(securityID, req.Qty); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	key := s.deps.Limits.Key(domain.ScopeClient, req.ClientID, securityID)
	limit := s.deps.Limits.AdjustLimit(key, domain.SideShortSell, req.Qty)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"security_id": securityID,
		"client_id":   req.ClientID,
		"short_limit": limit,
	})
}

func (s *Server) handleGetLimit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := domain.LimitScope(q.Get("scope"))
	owner := q.Get("owner")
	security := q.Get("security")
	if (scope != domain.ScopeClient && scope != domain.ScopeAU) || owner == "" || security == "" {
		s.writeError(w, http.StatusBadRequest, "scope, owner and security query parameters required")
		return
	}

	l := s.deps.Limits.Get(s.deps.Limits.Key(scope, owner, security))
	if l == nil {
		s.writeError(w, http.StatusNotFound, "limit not found")
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

type setLimitRequest struct {
	Scope      domain.LimitScope `json:"scope"`
	OwnerID    string            `json:"owner_id"`
	SecurityID string            `json:"security_id"`
	Side       domain.Side       `json:"side"`
	Value      int64             `json:"value"`
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	var req setLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Scope != domain.ScopeClient && req.Scope != domain.ScopeAU {
		s.writeError(w, http.StatusBadRequest, "scope must be client or AU")
		return
	}
	if req.Side != domain.SideSell && req.Side != domain.SideShortSell {
		s.writeError(w, http.StatusBadRequest, "side must be sell or short-sell")
		return
	}

	key := s.deps.Limits.Key(req.Scope, req.OwnerID, req.SecurityID)
	s.deps.Limits.SetLimit(key, req.Side, req.Value)
	s.writeJSON(w, http.StatusOK, s.deps.Limits.Get(key))
}

type submitLocateRequest struct {
	Requestor     string `json:"requestor"`
	ClientID      string `json:"client_id"`
	SecurityID    string `json:"security_id"`
	Type          string `json:"type"`
	RequestedQty  int64  `json:"requested_qty"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleSubmitLocate(w http.ResponseWriter, r *http.Request) {
	defer s.deps.Latency.Track("http_locate_submit")()

	var req submitLocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dec, err := s.deps.Locates.Submit(r.Context(), &domain.LocateRequest{
		Requestor:     req.Requestor,
		ClientID:      req.ClientID,
		SecurityID:    req.SecurityID,
		Type:          domain.LocateType(req.Type),
		RequestedQty:  req.RequestedQty,
		BusinessDate:  s.deps.Positions.BusinessDate(),
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleGetLocate(w http.ResponseWriter, r *http.Request) {
	locateID := chi.URLParam(r, "locateID")
	req, err := s.deps.Locates.Repo().GetRequest(locateID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req == nil {
		s.writeError(w, http.StatusNotFound, "locate not found")
		return
	}

	out := map[string]interface{}{"request": req}
	if approval, err := s.deps.Locates.Repo().GetApproval(locateID); err == nil && approval != nil {
		out["approval"] = approval
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleListLocates lists a client's or a security's locates for one
// business date, defaulting to the current date.
func (s *Server) handleListLocates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := domain.BusinessDate(q.Get("date"))
	if date == "" {
		date = s.deps.Positions.BusinessDate()
	}

	var (
		out []*domain.LocateRequest
		err error
	)
	switch {
	case q.Get("client") != "":
		out, err = s.deps.Locates.Repo().ListByClient(q.Get("client"), date)
	case q.Get("security") != "":
		out, err = s.deps.Locates.Repo().ListBySecurity(q.Get("security"), date)
	default:
		s.writeError(w, http.StatusBadRequest, "client or security query parameter required")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.deps.Locates.PendingReview()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, queue)
}

func (s *Server) handleClaimLocate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Locates.Claim(chi.URLParam(r, "locateID")); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "claimed"})
}

type decideLocateRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (s *Server) handleDecideLocate(w http.ResponseWriter, r *http.Request) {
	var req decideLocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dec, err := s.deps.Locates.Decide(chi.URLParam(r, "locateID"), req.Approve, req.Reason)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, dec)
}

type validateOrderRequest struct {
	OrderID       string `json:"order_id"`
	SecurityID    string `json:"security_id"`
	Book          string `json:"book"`
	ClientID      string `json:"client_id"`
	Side          string `json:"side"`
	Qty           int64  `json:"qty"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleValidateOrder(w http.ResponseWriter, r *http.Request) {
	defer s.deps.Latency.Track("http_order_validate")()

	var req validateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.deps.ShortSell.Validate(r.Context(), shortsell.Order{
		OrderID:       req.OrderID,
		SecurityID:    req.SecurityID,
		Book:          req.Book,
		ClientID:      req.ClientID,
		Side:          domain.Side(req.Side),
		Qty:           req.Qty,
		CorrelationID: req.CorrelationID,
		IngressTime:   time.Now(),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	outcome := s.deps.ShortSell.Cancel(chi.URLParam(r, "orderID"))
	s.writeJSON(w, http.StatusOK, map[string]domain.OutcomeCode{"outcome": outcome})
}

func (s *Server) handleCommitOrder(w http.ResponseWriter, r *http.Request) {
	outcome := s.deps.ShortSell.Commit(chi.URLParam(r, "orderID"))
	s.writeJSON(w, http.StatusOK, map[string]domain.OutcomeCode{"outcome": outcome})
}

func (s *Server) handleGetSecurity(w http.ResponseWriter, r *http.Request) {
	sec, err := s.deps.Reference.Repo().GetSecurity(chi.URLParam(r, "internalID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sec == nil {
		s.writeError(w, http.StatusNotFound, "security not found")
		return
	}
	s.writeJSON(w, http.StatusOK, sec)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source, idType, idValue := q.Get("source"), q.Get("type"), q.Get("value")
	if source == "" || idType == "" || idValue == "" {
		s.writeError(w, http.StatusBadRequest, "source, type and value query parameters required")
		return
	}

	res, err := s.deps.Reference.Resolve(source, idType, idValue)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"internal_id": res.InternalID,
		"outcome":     res.Outcome,
	})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	securityID := chi.URLParam(r, "securityID")
	price, ok, err := s.deps.Market.Price(securityID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no price observed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"security_id": securityID,
		"price":       price.String(),
	})
}
