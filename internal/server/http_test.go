package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ecomkit/fieldgate/internal/core"
	"github.com/ecomkit/fieldgate/internal/metrics"
	"github.com/ecomkit/fieldgate/internal/repository"
	"github.com/ecomkit/fieldgate/internal/service"
)

type fakeService struct {
	rules    map[core.Section][]core.Rule
	settings map[string]string
	events   []repository.RuleSetEvent

	saveErr    error
	resolveErr error

	lastCart   core.CartSnapshot
	lastSchema core.FieldSchema
}

func newFakeService() *fakeService {
	return &fakeService{
		rules:    make(map[core.Section][]core.Rule),
		settings: make(map[string]string),
	}
}

func (f *fakeService) ListRules(_ context.Context, section core.Section) ([]core.Rule, error) {
	if !section.Valid() {
		return nil, fmt.Errorf("%w: %q", service.ErrUnknownSection, section)
	}
	return f.rules[section], nil
}

func (f *fakeService) SaveRules(_ context.Context, section core.Section, rules []core.Rule) ([]core.Rule, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	if !section.Valid() {
		return nil, fmt.Errorf("%w: %q", service.ErrUnknownSection, section)
	}
	f.rules[section] = rules
	return rules, nil
}

func (f *fakeService) Resolve(_ context.Context, section core.Section, cart core.CartSnapshot, schema core.FieldSchema) (service.ResolveResponse, error) {
	if f.resolveErr != nil {
		return service.ResolveResponse{}, f.resolveErr
	}
	if !section.Valid() {
		return service.ResolveResponse{}, fmt.Errorf("%w: %q", service.ErrUnknownSection, section)
	}
	f.lastCart = cart
	f.lastSchema = schema
	if schema == nil {
		schema = core.DefaultFieldSchema(section)
	}
	return service.ResolveResponse{Section: section, Fields: schema}, nil
}

func (f *fakeService) GetSetting(_ context.Context, key string) (repository.Setting, error) {
	value, ok := f.settings[key]
	if !ok {
		return repository.Setting{}, service.ErrSettingNotFound
	}
	return repository.Setting{Key: key, Value: value}, nil
}

func (f *fakeService) SetSetting(_ context.Context, key, value string) (repository.Setting, error) {
	if value != "yes" && value != "no" {
		return repository.Setting{}, fmt.Errorf("%w: setting %q value must be yes or no", service.ErrInvalidRule, key)
	}
	f.settings[key] = value
	return repository.Setting{Key: key, Value: value}, nil
}

func (f *fakeService) ListSettings(_ context.Context) ([]repository.Setting, error) {
	settings := make([]repository.Setting, 0, len(f.settings))
	for key, value := range f.settings {
		settings = append(settings, repository.Setting{Key: key, Value: value})
	}
	return settings, nil
}

func (f *fakeService) ListEventsSince(_ context.Context, eventID int64, section string) ([]repository.RuleSetEvent, error) {
	if section != "" && !core.Section(section).Valid() {
		return nil, fmt.Errorf("%w: %q", service.ErrUnknownSection, section)
	}
	events := make([]repository.RuleSetEvent, 0)
	for _, event := range f.events {
		if event.EventID <= eventID {
			continue
		}
		if section != "" && event.Section != section {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func doRequest(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, nil)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestListRules(t *testing.T) {
	svc := newFakeService()
	svc.rules[core.SectionBilling] = []core.Rule{{
		ID:        "rule-1",
		Condition: core.ConditionOrderTotal,
		Operator:  core.OperatorGreaterThan,
		Operand:   []string{"100"},
	}}
	handler := NewHTTPHandler(svc, nil)

	recorder := doRequest(handler, "GET", "/v1/sections/billing/rules", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}

	var response rulesJSONResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Section != core.SectionBilling || len(response.Rules) != 1 || response.Rules[0].ID != "rule-1" {
		t.Fatalf("unexpected response %+v", response)
	}
}

func TestListRulesUnknownSection(t *testing.T) {
	handler := NewHTTPHandler(newFakeService(), nil)

	recorder := doRequest(handler, "GET", "/v1/sections/basket/rules", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestSaveRules(t *testing.T) {
	svc := newFakeService()
	handler := NewHTTPHandler(svc, nil)

	body := `{"rules":[{"condition":"order_total","operator":"greater_than","operand":["100"],"fields":{"billing_company":{"hide":"yes"}}}]}`
	recorder := doRequest(handler, "PUT", "/v1/sections/billing/rules", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}

	saved := svc.rules[core.SectionBilling]
	if len(saved) != 1 || saved[0].Condition != core.ConditionOrderTotal {
		t.Fatalf("unexpected saved rules %+v", saved)
	}
	if saved[0].Fields["billing_company"].Hide != core.TriStateYes {
		t.Fatal("field assignment lost in transport")
	}
}

func TestSaveRulesDecodeErrors(t *testing.T) {
	handler := NewHTTPHandler(newFakeService(), nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed JSON", `{"rules":`, http.StatusBadRequest},
		{"unknown field", `{"rulez":[]}`, http.StatusBadRequest},
		{"trailing garbage", `{"rules":[]}{"rules":[]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := doRequest(handler, "PUT", "/v1/sections/billing/rules", tt.body)
			if recorder.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", recorder.Code, tt.wantStatus)
			}
		})
	}
}

func TestSaveRulesInvalidRule(t *testing.T) {
	svc := newFakeService()
	svc.saveErr = fmt.Errorf("rule 0: %w: unknown condition %q", service.ErrInvalidRule, "cart_weight")
	handler := NewHTTPHandler(svc, nil)

	recorder := doRequest(handler, "PUT", "/v1/sections/billing/rules", `{"rules":[]}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "cart_weight") {
		t.Fatalf("expected validation detail in response, got %s", recorder.Body.String())
	}
}

func TestSaveRulesBodyTooLarge(t *testing.T) {
	handler := NewHTTPHandlerWithOptions(newFakeService(), 0, nil, WithMaxJSONBodySize(16))

	body := `{"rules":[` + strings.Repeat(`{},`, 100) + `{}]}`
	recorder := doRequest(handler, "PUT", "/v1/sections/billing/rules", body)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", recorder.Code)
	}
}

func TestResolve(t *testing.T) {
	svc := newFakeService()
	handler := NewHTTPHandler(svc, nil)

	body := `{"section":"billing","cart":{"order_total":"150","product_ids":["7"]}}`
	recorder := doRequest(handler, "POST", "/v1/resolve", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}

	if svc.lastCart.OrderTotal != "150" || len(svc.lastCart.ProductIDs) != 1 {
		t.Fatalf("cart not passed through: %+v", svc.lastCart)
	}

	var response service.ResolveResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Section != core.SectionBilling || len(response.Fields) == 0 {
		t.Fatalf("unexpected response %+v", response)
	}
}

func TestResolveWithCustomSchema(t *testing.T) {
	svc := newFakeService()
	handler := NewHTTPHandler(svc, nil)

	body := `{"section":"shipping","cart":{},"fields":{"shipping_depot":{"label":"Depot","type":"text"}}}`
	recorder := doRequest(handler, "POST", "/v1/resolve", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}

	if _, ok := svc.lastSchema["shipping_depot"]; !ok {
		t.Fatalf("schema not passed through: %+v", svc.lastSchema)
	}
}

func TestResolveRequiresSection(t *testing.T) {
	handler := NewHTTPHandler(newFakeService(), nil)

	recorder := doRequest(handler, "POST", "/v1/resolve", `{"cart":{}}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	svc := newFakeService()
	handler := NewHTTPHandler(svc, nil)

	if recorder := doRequest(handler, "GET", "/v1/settings/premium_features", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("unset setting status = %d, want 404", recorder.Code)
	}

	if recorder := doRequest(handler, "PUT", "/v1/settings/premium_features", `{"value":"maybe"}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("bad value status = %d, want 400", recorder.Code)
	}

	recorder := doRequest(handler, "PUT", "/v1/settings/premium_features", `{"value":"yes"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("set status = %d, want 200", recorder.Code)
	}

	recorder = doRequest(handler, "GET", "/v1/settings/premium_features", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", recorder.Code)
	}
	var setting repository.Setting
	if err := json.Unmarshal(recorder.Body.Bytes(), &setting); err != nil {
		t.Fatalf("decode setting: %v", err)
	}
	if setting.Value != "yes" {
		t.Fatalf("setting value = %q, want yes", setting.Value)
	}

	recorder = doRequest(handler, "GET", "/v1/settings", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", recorder.Code)
	}
	var settings []repository.Setting
	if err := json.Unmarshal(recorder.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if len(settings) != 1 {
		t.Fatalf("expected 1 setting, got %d", len(settings))
	}
}

func TestHealthz(t *testing.T) {
	handler := NewHTTPHandler(newFakeService(), nil)

	recorder := doRequest(handler, "GET", "/healthz", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	handler := NewHTTPHandler(newFakeService(), m)

	doRequest(handler, "GET", "/healthz", "")

	recorder := doRequest(handler, "GET", "/metrics", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "fieldgate_http_requests_total") {
		t.Fatalf("expected request counter in scrape output:\n%s", recorder.Body.String())
	}
}

func TestStreamInvalidLastEventID(t *testing.T) {
	handler := NewHTTPHandler(newFakeService(), nil)

	request := httptest.NewRequest("GET", "/v1/stream", nil)
	request.Header.Set("Last-Event-ID", "not-a-number")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestStreamUnknownSection(t *testing.T) {
	handler := NewHTTPHandler(newFakeService(), nil)

	recorder := doRequest(handler, "GET", "/v1/stream?section=basket", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	svc := newFakeService()
	svc.events = []repository.RuleSetEvent{
		{EventID: 1, Section: "billing", EventType: service.EventTypeRulesReplaced, Payload: []byte(`{"section":"billing"}`)},
		{EventID: 2, Section: "", EventType: service.EventTypeSettingUpdated, Payload: []byte(`{"key":"premium_features"}`)},
		{EventID: 3, Section: "billing", EventType: "unknown_type", Payload: []byte(`{}`)},
	}
	handler := NewHTTPHandlerWithOptions(svc, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	request := httptest.NewRequest("GET", "/v1/stream", nil).WithContext(ctx)
	request.Header.Set("Last-Event-ID", "0")
	recorder := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(recorder, request)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := recorder.Body.String()
	if !strings.Contains(body, "id: 1\nevent: rules\ndata: {\"section\":\"billing\"}") {
		t.Fatalf("missing rules event:\n%s", body)
	}
	if !strings.Contains(body, "id: 2\nevent: settings\n") {
		t.Fatalf("missing settings event:\n%s", body)
	}
	if strings.Contains(body, "unknown_type") {
		t.Fatalf("unknown event types must be skipped:\n%s", body)
	}
	if got := recorder.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}
}

func TestStreamResumesAfterLastEventID(t *testing.T) {
	svc := newFakeService()
	svc.events = []repository.RuleSetEvent{
		{EventID: 1, Section: "billing", EventType: service.EventTypeRulesReplaced, Payload: []byte(`{}`)},
		{EventID: 2, Section: "shipping", EventType: service.EventTypeRulesReplaced, Payload: []byte(`{}`)},
	}
	handler := NewHTTPHandlerWithOptions(svc, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	request := httptest.NewRequest("GET", "/v1/stream", nil).WithContext(ctx)
	request.Header.Set("Last-Event-ID", "1")
	recorder := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(recorder, request)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := recorder.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Fatalf("event 1 must not be re-delivered:\n%s", body)
	}
	if !strings.Contains(body, "id: 2\n") {
		t.Fatalf("missing event 2:\n%s", body)
	}
}
