package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"finquest/internal/calc"
	"finquest/internal/core"
)

// eventRequest is the wire shape of an incoming financial event.
type eventRequest struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Type       string    `json:"type"`
	Op         string    `json:"op"`
	RefID      string    `json:"ref_id,omitempty"`
	Category   string    `json:"category,omitempty"`
	Amount     string    `json:"amount,omitempty"` // decimal rupees, e.g. "125.50"
	OccurredAt time.Time `json:"occurred_at"`
}

func (req eventRequest) toEvent() (core.FinancialEvent, error) {
	e := core.FinancialEvent{
		ID:         req.ID,
		UserID:     req.UserID,
		Type:       core.EventType(req.Type),
		Op:         core.EventOp(req.Op),
		RefID:      req.RefID,
		Category:   req.Category,
		OccurredAt: req.OccurredAt,
	}
	if req.Op == "" {
		e.Op = core.OpCreate
	}
	// Deletes carry no amount.
	if req.Amount != "" && e.Op != core.OpDelete {
		paise, err := core.ParseDecimalToPaise(req.Amount)
		if err != nil {
			return core.FinancialEvent{}, err
		}
		e.Amount = core.Money{Paise: paise}
	}
	return e, nil
}

type eventResponse struct {
	EventID     string               `json:"event_id"`
	Sequence    int64                `json:"sequence"`
	Bucket      *bucketResponse      `json:"bucket,omitempty"`
	Crossing    *crossingResponse    `json:"crossing,omitempty"`
	Progression *progressionResponse `json:"progression"`
}

type bucketResponse struct {
	Category  string  `json:"category"`
	PeriodKey string  `json:"period_key"`
	Spent     float64 `json:"spent"`
}

type crossingResponse struct {
	Tier  int     `json:"tier"`
	Spent float64 `json:"spent"`
	Limit float64 `json:"limit"`
}

type progressionResponse struct {
	TotalXP    int64  `json:"total_xp"`
	Level      int    `json:"level"`
	Coins      int64  `json:"coins"`
	StreakDays int    `json:"streak_days"`
	LastActive string `json:"last_active,omitempty"`
}

func toProgressionResponse(p core.ProgressionState) *progressionResponse {
	resp := &progressionResponse{
		TotalXP:    p.TotalXP,
		Level:      p.Level,
		Coins:      p.Coins,
		StreakDays: p.StreakDays,
	}
	if !p.LastActivityDate.IsZero() {
		resp.LastActive = p.LastActivityDate.Format("2006-01-02")
	}
	return resp
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	event, err := req.toEvent()
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.engine.ProcessEvent(r.Context(), event)
	if err != nil {
		writeError(w, err)
		return
	}

	// Derived reads for this user are now out of date.
	s.progressCache.Delete(event.UserID)
	s.leaderboardCache.Delete(leaderboardCacheKey)

	resp := eventResponse{
		EventID:     result.Event.ID,
		Sequence:    result.Event.Sequence,
		Progression: toProgressionResponse(result.Progression),
	}
	if result.Bucket != nil {
		resp.Bucket = &bucketResponse{
			Category:  result.Bucket.Category,
			PeriodKey: result.Bucket.PeriodKey.String(),
			Spent:     result.Bucket.SpentAmount.Rupees(),
		}
	}
	if result.Crossing != nil {
		resp.Crossing = &crossingResponse{
			Tier:  result.Crossing.Tier,
			Spent: result.Crossing.SpentAmount.Rupees(),
			Limit: result.Crossing.LimitAmount.Rupees(),
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	period := r.URL.Query().Get("period")
	if period == "" {
		period = core.PeriodOf(time.Now()).String()
	}

	buckets, err := s.engine.Buckets(r.Context(), userID, core.PeriodKey(period))
	if err != nil {
		writeError(w, err)
		return
	}

	type item struct {
		Category string  `json:"category"`
		Spent    float64 `json:"spent"`
		Limit    float64 `json:"limit,omitempty"`
	}
	out := make([]item, 0, len(buckets))
	for _, b := range buckets {
		it := item{Category: b.Category, Spent: b.SpentAmount.Rupees()}
		if limit, err := s.engine.BudgetLimit(r.Context(), userID, b.Category, b.PeriodKey); err == nil {
			it.Limit = limit.LimitAmount.Rupees()
		}
		out = append(out, it)
	}
	writeJSON(w, http.StatusOK, map[string]any{"period_key": period, "buckets": out})
}

func (s *Server) handleGetPnL(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	period := r.URL.Query().Get("period")
	if period == "" {
		period = core.PeriodOf(time.Now()).String()
	}

	pnl, err := s.engine.PnL(r.Context(), userID, core.PeriodKey(period))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period_key": pnl.PeriodKey.String(),
		"invested":   pnl.Invested.Rupees(),
		"realized":   pnl.Realized.Rupees(),
	})
}

type limitRequest struct {
	Category  string `json:"category"`
	PeriodKey string `json:"period_key"`
	Limit     string `json:"limit"` // decimal rupees
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	paise, err := core.ParseDecimalToPaise(req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	period := req.PeriodKey
	if period == "" {
		period = core.PeriodOf(time.Now()).String()
	}

	err = s.engine.SetBudgetLimit(r.Context(), core.BudgetLimit{
		UserID:      userID,
		Category:    req.Category,
		PeriodKey:   core.PeriodKey(period),
		LimitAmount: core.Money{Paise: paise},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	if cached, ok := s.progressCache.Get(userID); ok {
		writeJSON(w, http.StatusOK, toProgressionResponse(cached))
		return
	}

	state, err := s.engine.Progression(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.progressCache.Set(userID, state)
	writeJSON(w, http.StatusOK, toProgressionResponse(state))
}

// handleEndSession abandons pending notification retries for the user. With
// out-of-process dispatch the signal travels over the bus instead and this
// endpoint is a no-op.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions != nil {
		s.sessions.EndSession(r.PathValue("user"))
	}
	writeJSON(w, http.StatusNoContent, nil)
}

const leaderboardCacheKey = "top"

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 100 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be 1-100"})
			return
		}
		limit = parsed
	}

	var states []core.ProgressionState
	if cached, ok := s.leaderboardCache.Get(leaderboardCacheKey); ok && len(cached) >= limit {
		states = cached[:limit]
	} else {
		var err error
		states, err = s.engine.Leaderboard(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		s.leaderboardCache.Set(leaderboardCacheKey, states)
	}

	type entry struct {
		UserID  string `json:"user_id"`
		TotalXP int64  `json:"total_xp"`
		Level   int    `json:"level"`
	}
	out := make([]entry, 0, len(states))
	for _, st := range states {
		out = append(out, entry{UserID: st.UserID, TotalXP: st.TotalXP, Level: st.Level})
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": out})
}

type goalRequest struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Target   string `json:"target"` // decimal rupees
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	paise, err := core.ParseDecimalToPaise(req.Target)
	if err != nil {
		writeError(w, err)
		return
	}

	goal, err := s.engine.CreateGoal(r.Context(), core.SavingsGoal{
		UserID:       userID,
		Name:         req.Name,
		Category:     req.Category,
		TargetAmount: core.Money{Paise: paise},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, goalToJSON(goal))
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	goals, err := s.engine.Goals(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(goals))
	for _, g := range goals {
		out = append(out, goalToJSON(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"goals": out})
}

func goalToJSON(g core.SavingsGoal) map[string]any {
	return map[string]any{
		"id":        g.ID,
		"name":      g.Name,
		"category":  g.Category,
		"target":    g.TargetAmount.Rupees(),
		"saved":     g.SavedAmount.Rupees(),
		"completed": g.Completed(),
	}
}

// --- calculators ---

type sipRequest struct {
	Monthly    float64 `json:"monthly"`
	AnnualRate float64 `json:"annual_rate"`
	Years      int     `json:"years"`
}

func (s *Server) handleCalcSIP(w http.ResponseWriter, r *http.Request) {
	var req sipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	result, err := calc.SIP(req.Monthly, req.AnnualRate, req.Years)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type emiRequest struct {
	Principal  float64 `json:"principal"`
	AnnualRate float64 `json:"annual_rate"`
	Years      int     `json:"years"`
}

func (s *Server) handleCalcEMI(w http.ResponseWriter, r *http.Request) {
	var req emiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	result, err := calc.EMI(req.Principal, req.AnnualRate, req.Years)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCalcFD(w http.ResponseWriter, r *http.Request) {
	var req emiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	result, err := calc.FD(req.Principal, req.AnnualRate, req.Years)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type taxRequest struct {
	Income    float64 `json:"income"`
	Invest80C float64 `json:"invest_80c"`
	Insurance float64 `json:"insurance"`
}

func (s *Server) handleCalcTax(w http.ResponseWriter, r *http.Request) {
	var req taxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	result, err := calc.Tax(req.Income, req.Invest80C, req.Insurance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
