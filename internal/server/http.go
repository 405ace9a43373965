// Package server exposes the rule management, resolution, and change stream
// API over HTTP. Routing uses net/http method patterns; responses are JSON
// except for the SSE change stream.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ecomkit/fieldgate/internal/core"
	"github.com/ecomkit/fieldgate/internal/metrics"
	"github.com/ecomkit/fieldgate/internal/repository"
	"github.com/ecomkit/fieldgate/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
}

// HandlerOption configures the HTTP handler.
type HandlerOption func(*HTTPServer)

// WithMaxJSONBodySize caps the size of JSON request bodies in bytes.
func WithMaxJSONBodySize(n int64) HandlerOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

type rulesJSONResponse struct {
	Section core.Section `json:"section"`
	Rules   []core.Rule  `json:"rules"`
}

type saveRulesJSONRequest struct {
	Rules []core.Rule `json:"rules"`
}

type resolveJSONRequest struct {
	Section core.Section      `json:"section"`
	Cart    core.CartSnapshot `json:"cart"`
	Fields  core.FieldSchema  `json:"fields,omitempty"`
}

type settingJSONRequest struct {
	Value string `json:"value"`
}

// NewHTTPHandler builds the API handler with default options.
func NewHTTPHandler(svc Service, m *metrics.Metrics) http.Handler {
	return NewHTTPHandlerWithOptions(svc, defaultStreamPollInterval, m)
}

// NewHTTPHandlerWithOptions builds the API handler. The metrics argument may
// be nil, in which case request instrumentation and the /metrics endpoint are
// disabled.
func NewHTTPHandlerWithOptions(svc Service, streamPollInterval time.Duration, m *metrics.Metrics, opts ...HandlerOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultStreamPollInterval
	}

	server := &HTTPServer{
		service:            svc,
		metrics:            m,
		streamPollInterval: streamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sections/{section}/rules", server.handleListRules)
	mux.HandleFunc("PUT /v1/sections/{section}/rules", server.handleSaveRules)
	mux.HandleFunc("POST /v1/resolve", server.handleResolve)
	mux.HandleFunc("GET /v1/settings", server.handleListSettings)
	mux.HandleFunc("GET /v1/settings/{key}", server.handleGetSetting)
	mux.HandleFunc("PUT /v1/settings/{key}", server.handleSetSetting)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	return server.withHTTPMetrics(mux)
}

func (s *HTTPServer) withHTTPMetrics(mux *http.ServeMux) http.Handler {
	if s.metrics == nil {
		return mux
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(wrapped, r)
		elapsed := time.Since(start)

		status := strconv.Itoa(wrapped.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.status = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.status = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	section := core.Section(r.PathValue("section"))

	rules, err := s.service.ListRules(r.Context(), section)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rulesJSONResponse{Section: section, Rules: rules})
}

func (s *HTTPServer) handleSaveRules(w http.ResponseWriter, r *http.Request) {
	section := core.Section(r.PathValue("section"))

	var request saveRulesJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	saved, err := s.service.SaveRules(r.Context(), section, request.Rules)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rulesJSONResponse{Section: section, Rules: saved})
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	var request resolveJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if request.Section == "" {
		writeJSONError(w, http.StatusBadRequest, "section is required")
		return
	}

	response, err := s.service.Resolve(r.Context(), request.Section, request.Cart, request.Fields)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.service.ListSettings(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

func (s *HTTPServer) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	setting, err := s.service.GetSetting(r.Context(), r.PathValue("key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, setting)
}

func (s *HTTPServer) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var request settingJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	setting, err := s.service.SetSetting(r.Context(), r.PathValue("key"), request.Value)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, setting)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}
	section := strings.TrimSpace(r.URL.Query().Get("section"))

	rc := http.NewResponseController(w)

	currentEventID := lastEventID
	writeEvents := func(events []repository.RuleSetEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), currentEventID, section)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID, section)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, rc, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case service.EventTypeRulesReplaced:
		return "rules"
	case service.EventTypeSettingUpdated:
		return "settings"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrUnknownSection),
		errors.Is(err, service.ErrUnknownSetting):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrRuleNotFound), errors.Is(err, service.ErrSettingNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidRule):
		return err.Error()
	case errors.Is(err, service.ErrUnknownSection):
		return "unknown section"
	case errors.Is(err, service.ErrUnknownSetting):
		return "unknown setting"
	case errors.Is(err, service.ErrSettingNotFound):
		return "setting not found"
	case errors.Is(err, service.ErrRuleNotFound):
		return "rule not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, rc *http.ResponseController, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	_ = rc.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
