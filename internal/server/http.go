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

	"github.com/matt-riley/discountfn/internal/core"
	"github.com/matt-riley/discountfn/internal/metrics"
	"github.com/matt-riley/discountfn/internal/middleware"
	"github.com/matt-riley/discountfn/internal/repository"
	"github.com/matt-riley/discountfn/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	maxJSONBodyBytes          = 1 << 20

	// OutcomeHeader carries the evaluation outcome of a /v1/run call. The
	// body stays a bare function-output document.
	OutcomeHeader = "X-Discount-Outcome"
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
	maxJSONBodySize    int64
}

// HTTPOption configures an [HTTPServer].
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize caps request bodies. Non-positive values keep the
// 1 MiB default.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

// WithMetrics records per-route request metrics and serves GET /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

// WithStreamPollInterval sets how often GET /v1/stream polls for new events.
func WithStreamPollInterval(interval time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

type discountJSONRequest struct {
	ID              string          `json:"id,omitempty"`
	Title           string          `json:"title"`
	DiscountClasses []string        `json:"discount_classes,omitempty"`
	Configuration   json.RawMessage `json:"configuration,omitempty"`
	Enabled         *bool           `json:"enabled,omitempty"`
}

type evaluateJSONRequest struct {
	Cart core.Cart `json:"cart"`
}

type evaluationJSONResponse struct {
	Output        json.RawMessage     `json:"output"`
	Outcome       core.Outcome        `json:"outcome"`
	EligibleLines int                 `json:"eligible_lines"`
	Configuration *core.Configuration `json:"configuration,omitempty"`
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodySize:    maxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/discounts", server.handleCreateDiscount)
	mux.HandleFunc("GET /v1/discounts", server.handleListDiscounts)
	mux.HandleFunc("GET /v1/discounts/{id}", server.handleGetDiscount)
	mux.HandleFunc("PUT /v1/discounts/{id}", server.handleUpdateDiscount)
	mux.HandleFunc("DELETE /v1/discounts/{id}", server.handleDeleteDiscount)
	mux.HandleFunc("GET /v1/discounts/{id}/configuration", server.handleResolveConfiguration)
	mux.HandleFunc("POST /v1/discounts/{id}/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/run", server.handleRun)
	mux.HandleFunc("GET /v1/events", server.handleListEvents)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) handleCreateDiscount(w http.ResponseWriter, r *http.Request) {
	shop, ok := requestShop(w, r)
	if !ok {
		return
	}

	var request discountJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Title) == "" {
		writeJSONError(w, http.StatusBadRequest, "title is required")
		return
	}
	if request.ID != "" {
		writeJSONError(w, http.StatusBadRequest, "id is assigned by the server")
		return
	}

	discount, err := request.toDiscount(shop)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.service.CreateDiscount(r.Context(), discount)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetDiscount(w http.ResponseWriter, r *http.Request) {
	shop, ok := requestShop(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	discount, err := s.service.GetDiscount(r.Context(), shop, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, discount)
}

func (s *HTTPServer) handleListDiscounts(w http.ResponseWriter, r *http.Request) {
	shop, ok := requestShop(w, r)
	if !ok {
		return
	}

	discounts, err := s.service.ListDiscounts(r.Context(), shop)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, discounts)
}

func (s *HTTPServer) handleUpdateDiscount(w http.ResponseWriter, r *http.Request) {
	shop, ok := requestShop(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var request discountJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.ID) != "" && request.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	if strings.TrimSpace(request.Title) == "" {
		writeJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	discount, err := request.toDiscount(shop)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	discount.ID = id

	updated, err := s.service.UpdateDiscount(r.Context(), discount)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteDiscount(w http.ResponseWriter, r *http.Request) {
	shop, ok := requestShop(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteDiscount(r.Context(), shop, id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleResolveConfiguration(w http.ResponseWriter, r *http.Request) {
	shop, ok := requestShop(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	cfg, err := s.service.ResolveConfiguration(r.Context(), shop, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	shop, ok := requestShop(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	payload, err := s.readBody(w, r)
	if err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	var request evaluateJSONRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	evaluation, err := s.service.Evaluate(r.Context(), shop, id, request.Cart)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response, err := newEvaluationResponse(evaluation)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if _, ok := requestShop(w, r); !ok {
		return
	}

	payload, err := s.readBody(w, r)
	if err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	input, err := core.DecodeInput(payload)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid function input")
		return
	}

	evaluation, err := s.service.Run(r.Context(), input)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	output, err := core.EncodeOutput(evaluation.Output)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(OutcomeHeader, string(evaluation.Outcome))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(output)
}

func (s *HTTPServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	shop, ok := requestShop(w, r)
	if !ok {
		return
	}

	since, err := parseLastEventID(r.URL.Query().Get("since"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid since")
		return
	}

	events, err := s.service.ListEventsSince(r.Context(), shop, since)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []repository.DiscountEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	shop, ok := requestShop(w, r)
	if !ok {
		return
	}

	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.DiscountEvent) error {
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
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), shop, currentEventID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if s.metrics != nil {
		defer s.metrics.TrackHTTPStream()()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

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
			events, err := s.service.ListEventsSince(r.Context(), shop, currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				middleware.LoggerFromContext(r.Context()).Error("stream poll failed", "error", err)
				writeSSEError(w, flusher, serviceErrorMessage(err))
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

func (req discountJSONRequest) toDiscount(shop string) (repository.Discount, error) {
	configuration, err := configurationValue(req.Configuration)
	if err != nil {
		return repository.Discount{}, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	return repository.Discount{
		ID:              req.ID,
		Shop:            shop,
		Title:           strings.TrimSpace(req.Title),
		DiscountClasses: req.DiscountClasses,
		Configuration:   configuration,
		Enabled:         enabled,
	}, nil
}

// configurationValue turns the request's configuration into the stored
// metafield text. A JSON string is stored as its contents, which is how the
// settings UI writes it and may hold anything. Any other JSON value is stored
// as compact JSON text. null clears it.
func configurationValue(raw json.RawMessage) (*string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return nil, errors.New("invalid configuration")
		}
		return &value, nil
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return nil, errors.New("invalid configuration")
	}
	value := compact.String()
	return &value, nil
}

func newEvaluationResponse(evaluation core.Evaluation) (evaluationJSONResponse, error) {
	output, err := core.EncodeOutput(evaluation.Output)
	if err != nil {
		return evaluationJSONResponse{}, err
	}

	return evaluationJSONResponse{
		Output:        output,
		Outcome:       evaluation.Outcome,
		EligibleLines: evaluation.EligibleLines,
		Configuration: evaluation.Configuration,
	}, nil
}

func requestShop(w http.ResponseWriter, r *http.Request) (string, bool) {
	shop, ok := middleware.ShopFromContext(r.Context())
	if !ok || strings.TrimSpace(shop) == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return shop, true
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return "", false
	}
	return id, true
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
	case "update", "updated":
		return "update"
	case "delete", "deleted":
		return "delete"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := serviceErrorStatus(err)
	if status == http.StatusInternalServerError {
		middleware.LoggerFromContext(r.Context()).Error("request failed", "error", err)
	}
	writeJSONError(w, status, serviceErrorMessage(err))
}

func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidDiscount), errors.Is(err, service.ErrShopRequired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrDiscountNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrCartTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidDiscount):
		return err.Error()
	case errors.Is(err, service.ErrShopRequired):
		return "shop is required"
	case errors.Is(err, service.ErrDiscountNotFound):
		return "discount not found"
	case errors.Is(err, service.ErrCartTooLarge):
		return "cart has too many lines"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
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

	return strings.Split(string(payload), "\n")
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

// decodeJSONBody strictly decodes a single JSON object into dst.
func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
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

// readBody reads a host document without decoding it. Carts carry fields the
// engine ignores, so these bodies are not decoded strictly.
func (s *HTTPServer) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, io.EOF
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
	if err != nil {
		return nil, normalizeJSONDecodeError(err)
	}
	return payload, nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
