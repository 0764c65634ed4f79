package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"threatwatch/core"
	"threatwatch/detect"
	"threatwatch/ingest"
	"threatwatch/storage"
	"threatwatch/util"

	"github.com/gorilla/mux"
)

const (
	deliveryAttemptHeader = "X-Delivery-Attempt"
	healthTimeout         = 2 * time.Second
	retryAfterSeconds     = "5"
)

func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

// writeError logs err in full and sends only message to the client
func (a *API) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	if statusCode >= http.StatusInternalServerError {
		a.logger.Errorw(message, "error", util.SanitizeError(err), "status_code", statusCode)
	} else {
		a.logger.Debugw(message, "error", util.SanitizeError(err), "status_code", statusCode)
	}
	a.respondJSON(w, map[string]string{"error": message}, statusCode)
}

func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", err)
		} else {
			a.writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		}
		return nil, false
	}
	return body, true
}

type rejection struct {
	EventID string   `json:"eventId"`
	Fields  []string `json:"fields"`
}

type fault struct {
	Rule    core.RuleID `json:"rule"`
	EventID string      `json:"eventId"`
	Error   string      `json:"error"`
}

type batchResponse struct {
	DeliveryAttempt int           `json:"deliveryAttempt"`
	Evaluated       int           `json:"evaluated"`
	Rejected        []rejection   `json:"rejected"`
	Faults          []fault       `json:"faults"`
	Alerts          []*core.Alert `json:"alerts"`
	Duplicates      int           `json:"duplicates"`
	Error           string        `json:"error,omitempty"`
}

func newBatchResponse(result *detect.BatchResult) batchResponse {
	resp := batchResponse{
		Rejected: []rejection{},
		Faults:   []fault{},
		Alerts:   []*core.Alert{},
	}
	if result == nil {
		return resp
	}
	resp.DeliveryAttempt = result.DeliveryAttempt
	resp.Evaluated = result.Evaluated
	resp.Duplicates = result.Duplicates
	for _, r := range result.Rejected {
		resp.Rejected = append(resp.Rejected, rejection{EventID: r.EventID, Fields: r.Fields})
	}
	for _, f := range result.Faults {
		resp.Faults = append(resp.Faults, fault{Rule: f.Rule, EventID: f.EventID, Error: util.SanitizeError(f.Err)})
	}
	if result.Alerts != nil {
		resp.Alerts = result.Alerts
	}
	return resp
}

// postBatch evaluates a batch synchronously. A 503 asks the caller to
// redeliver the same batch; alerts already persisted are not duplicated.
func (a *API) postBatch(w http.ResponseWriter, r *http.Request) {
	attempt := 1
	if h := r.Header.Get(deliveryAttemptHeader); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n < 1 {
			a.writeError(w, http.StatusBadRequest, "Invalid "+deliveryAttemptHeader+" header", err)
			return
		}
		attempt = n
	}

	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	events, err := ingest.DecodePayload(body)
	if err != nil {
		a.deadLetter(r.Context(), body, attempt, err)
		a.writeError(w, http.StatusBadRequest, "Invalid batch payload", err)
		return
	}

	result, err := a.deps.Pipeline.Handle(r.Context(), ingest.SourceHTTP, events, attempt)
	if err != nil {
		resp := newBatchResponse(result)
		resp.Error = "batch not fully processed, redeliver"
		if detect.Redeliverable(err) || errors.Is(err, context.Canceled) {
			a.logger.Warnw("Batch needs redelivery", "attempt", attempt, "error", util.SanitizeError(err))
			w.Header().Set("Retry-After", retryAfterSeconds)
			a.respondJSON(w, resp, http.StatusServiceUnavailable)
			return
		}
		a.writeError(w, http.StatusInternalServerError, "Batch processing failed", err)
		return
	}
	a.respondJSON(w, newBatchResponse(result), http.StatusOK)
}

func (a *API) deadLetter(ctx context.Context, payload []byte, attempt int, cause error) {
	if a.deps.DeadLetters == nil {
		return
	}
	err := a.deps.DeadLetters.Add(context.WithoutCancel(ctx), &storage.DeadLetter{
		Source:  ingest.SourceHTTP,
		Reason:  "undecodable",
		Details: cause.Error(),
		Payload: payload,
		Attempt: attempt,
	})
	if err != nil {
		a.logger.Warnw("Failed to write dead letter", "error", err)
	}
}

// postEvent queues one event for the batcher
func (a *API) postEvent(w http.ResponseWriter, r *http.Request) {
	if a.deps.Batcher == nil {
		a.writeError(w, http.StatusServiceUnavailable, "Single event ingestion not available", nil)
		return
	}
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	event, err := ingest.DecodeEvent(body)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid event payload", err)
		return
	}
	if err := event.Validate(); err != nil {
		var malformed *core.MalformedEventError
		if errors.As(err, &malformed) {
			a.respondJSON(w, map[string]interface{}{
				"error":  "Malformed event",
				"fields": malformed.Fields,
			}, http.StatusBadRequest)
			return
		}
		a.writeError(w, http.StatusBadRequest, "Malformed event", err)
		return
	}

	if err := a.deps.Batcher.Add(r.Context(), event); err != nil {
		if errors.Is(err, detect.ErrBatcherClosed) {
			a.writeError(w, http.StatusServiceUnavailable, "Service is shutting down", err)
			return
		}
		a.writeError(w, http.StatusServiceUnavailable, "Event not accepted", err)
		return
	}
	a.respondJSON(w, map[string]string{"eventId": event.EventID, "status": "queued"}, http.StatusAccepted)
}

func parseSince(r *http.Request) (*time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("since must be RFC 3339: %w", err)
	}
	if !core.TimestampInRange(t) {
		return nil, fmt.Errorf("since must be between %s and %s",
			core.MinTimestamp.Format(time.RFC3339), core.MaxTimestamp.Format(time.RFC3339))
	}
	t = t.UTC()
	return &t, nil
}

// listAlerts returns alerts of one severity, newest first
func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	severity, err := core.ParseSeverity(r.URL.Query().Get("severity"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "severity must be one of LOW, MEDIUM, HIGH, CRITICAL", err)
		return
	}
	since, err := parseSince(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}

	alerts, err := a.deps.Alerts.QueryBySeverity(r.Context(), severity, since)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to query alerts", err)
		return
	}
	if alerts == nil {
		alerts = []*core.Alert{}
	}
	a.respondJSON(w, alerts, http.StatusOK)
}

// alertSummary returns the alert count per severity
func (a *API) alertSummary(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	counts, err := a.deps.Alerts.CountBySeverity(r.Context(), since)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to count alerts", err)
		return
	}

	summary := make(map[string]int, len(core.Severities()))
	total := 0
	for _, sev := range core.Severities() {
		summary[sev.String()] = counts[sev]
		total += counts[sev]
	}
	a.respondJSON(w, map[string]interface{}{"bySeverity": summary, "total": total}, http.StatusOK)
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.deps.Alerts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrAlertNotFound) {
			a.writeError(w, http.StatusNotFound, "Alert not found", err)
			return
		}
		a.writeError(w, http.StatusInternalServerError, "Failed to get alert", err)
		return
	}
	a.respondJSON(w, alert, http.StatusOK)
}

type statusRequest struct {
	Action string `json:"action"`
}

var statusActions = map[string]core.AlertStatus{
	"acknowledge": core.AlertStatusAcknowledged,
	"resolve":     core.AlertStatusResolved,
}

// updateAlertStatus moves an alert forward in its lifecycle
func (a *API) updateAlertStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	status, ok := statusActions[strings.ToLower(req.Action)]
	if !ok {
		a.writeError(w, http.StatusBadRequest, "action must be acknowledge or resolve", nil)
		return
	}

	alert, err := a.deps.Alerts.UpdateStatus(r.Context(), mux.Vars(r)["id"], status)
	switch {
	case errors.Is(err, storage.ErrAlertNotFound):
		a.writeError(w, http.StatusNotFound, "Alert not found", err)
		return
	case errors.Is(err, core.ErrInvalidTransition):
		a.writeError(w, http.StatusConflict, "Invalid status transition", err)
		return
	case err != nil:
		a.writeError(w, http.StatusInternalServerError, "Failed to update alert", err)
		return
	}

	if status == core.AlertStatusResolved && a.deps.Notifier != nil {
		a.deps.Notifier.NotifyResolved(r.Context(), alert)
	}
	a.respondJSON(w, alert, http.StatusOK)
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := a.deps.Health.HealthCheck(ctx); err != nil {
			a.logger.Warnw("Health check failed", "error", err)
			a.respondJSON(w, map[string]string{"status": "unavailable"}, http.StatusServiceUnavailable)
			return
		}
	}
	a.respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}
