package checkout

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"autopen/domain"
	"autopen/paygate"
	"autopen/receipt"
)

// Service exposes the checkout state machine over HTTP. The frontend drives
// everything through commands + snapshot polling; /events offers an ndjson
// push stream for clients that want it.
type Service struct {
	manager  *Manager
	receipts *receipt.Service
}

func NewService(manager *Manager, receipts *receipt.Service) *Service {
	return &Service{manager: manager, receipts: receipts}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/checkout/sessions", s.handleCreateSession)
	mux.HandleFunc("/checkout/sessions/", s.handleSessionRoutes)
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ProjectID       string `json:"projectId"`
		WordCount       int    `json:"wordCount"`
		VerifyLevel     string `json:"verifyLevel"`
		AllowPreprint   bool   `json:"allowPreprint"`
		UseStyleSamples bool   `json:"useStyleSamples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	level := domain.VerifyLevel(strings.TrimSpace(req.VerifyLevel))
	if level == "" {
		level = domain.VerifyLevelStandard
	}

	c, err := s.manager.Create(req.ProjectID, Params{
		WordCount:       req.WordCount,
		VerifyLevel:     level,
		AllowPreprint:   req.AllowPreprint,
		UseStyleSamples: req.UseStyleSamples,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Service) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	// /checkout/sessions/{projectId}
	// /checkout/sessions/{projectId}/{action...}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/checkout/sessions/"), "/")
	if path == "" {
		http.Error(w, "projectId required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	projectID := parts[0]
	action := strings.Join(parts[1:], "/")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	c, err := s.manager.Get(projectID)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	switch {
	case action == "":
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, c.Snapshot())
		case http.MethodDelete:
			s.manager.Dispose(projectID)
			writeJSON(w, http.StatusOK, map[string]interface{}{"projectId": projectID, "disposed": true})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	case action == "events" && r.Method == http.MethodGet:
		s.streamEvents(w, r, c)
		return
	case action == "receipt" && r.Method == http.MethodGet:
		s.handleReceipt(w, r, c)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleCommand(w, r, c, action)
}

func (s *Service) handleCommand(w http.ResponseWriter, r *http.Request, c *Controller, action string) {
	switch action {
	case "level":
		var req struct {
			VerifyLevel string `json:"verifyLevel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if err := c.SetVerifyLevel(domain.VerifyLevel(strings.TrimSpace(req.VerifyLevel))); err != nil {
			writeCommandError(w, err)
			return
		}

	case "addons":
		var req struct {
			AddonID string `json:"addonId"`
			Enabled bool   `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if err := c.ToggleAddon(strings.TrimSpace(req.AddonID), req.Enabled); err != nil {
			writeCommandError(w, err)
			return
		}

	case "options":
		var req struct {
			AllowPreprint   bool `json:"allowPreprint"`
			UseStyleSamples bool `json:"useStyleSamples"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if err := c.SetGenerationOptions(req.AllowPreprint, req.UseStyleSamples); err != nil {
			writeCommandError(w, err)
			return
		}

	case "lock":
		if _, err := c.RequestLock(); err != nil {
			writeCommandError(w, err)
			return
		}

	case "pay":
		intent, err := c.Pay(r.Context())
		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"paymentIntentId": intent.ID,
			"amountFen":       intent.AmountFen,
			"code_url":        intent.CodeURL,
			"snapshot":        c.Snapshot(),
		})
		return

	case "pay/confirm":
		intent, err := c.ConfirmPayment(r.Context())
		if errors.Is(err, paygate.ErrNotPaid) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status":   string(domain.PaymentStatusPending),
				"snapshot": c.Snapshot(),
			})
			return
		}
		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   string(intent.Status),
			"snapshot": c.Snapshot(),
		})
		return

	case "autopilot/start":
		if _, err := s.manager.StartAutopilot(r.Context(), c); err != nil {
			writeCommandError(w, err)
			return
		}
	case "autopilot/pause":
		if err := s.manager.PauseAutopilot(r.Context(), c); err != nil {
			writeCommandError(w, err)
			return
		}
	case "autopilot/resume":
		if err := s.manager.ResumeAutopilot(r.Context(), c); err != nil {
			writeCommandError(w, err)
			return
		}
	case "autopilot/cancel":
		if err := s.manager.CancelAutopilot(r.Context(), c); err != nil {
			writeCommandError(w, err)
			return
		}

	case "retry":
		if err := s.manager.Retry(r.Context(), c); err != nil {
			writeCommandError(w, err)
			return
		}

	default:
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// streamEvents pushes domain events as ndjson until the client goes away. The
// first line replays the current snapshot so a late subscriber never misses
// the latest state.
func (s *Service) streamEvents(w http.ResponseWriter, r *http.Request, c *Controller) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	enc := json.NewEncoder(w)
	_ = enc.Encode(map[string]interface{}{"type": "snapshot", "snapshot": c.Snapshot()})
	flusher.Flush()

	events, cancel := c.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Service) handleReceipt(w http.ResponseWriter, r *http.Request, c *Controller) {
	snap := c.Snapshot()
	if snap.Session.Intent == nil || snap.Session.Intent.Status != domain.PaymentStatusSucceeded {
		http.Error(w, "请先完成支付后再下载回执", http.StatusPaymentRequired)
		return
	}
	if s.receipts == nil {
		http.Error(w, "回执服务未启用", http.StatusServiceUnavailable)
		return
	}
	signed, filename, err := s.receipts.For(snap.Session)
	if err != nil {
		http.Error(w, "生成回执失败: "+err.Error(), http.StatusBadGateway)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"url": signed, "filename": filename})
		return
	}
	http.Redirect(w, r, signed, http.StatusFound)
}

// writeCommandError maps the error taxonomy onto HTTP statuses: misuse is a
// conflict/bad request, recoverable business failures carry retryable=true.
func writeCommandError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrSessionExists),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyTerminal),
		errors.Is(err, domain.ErrTaskAlreadyActive):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnknownAddon):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrExpiredLock):
		status = http.StatusGone
	case errors.Is(err, domain.ErrInvalidAmount):
		status = http.StatusUnprocessableEntity
	}
	var pf *domain.PaymentFailedError
	if errors.As(err, &pf) {
		status = http.StatusPaymentRequired
	}
	var af *domain.AutopilotFailedError
	if errors.As(err, &af) {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"retryable": domain.Retryable(err),
	})
}

func wantsJSON(r *http.Request) bool {
	if r == nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("format")), "json") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
