package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"courier/pkg/logging"
)

type fakeProvider struct {
	name    string
	results []SendResult
	err     error
	calls   [][]string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Send(_ context.Context, recipients []string, _ string) ([]SendResult, error) {
	f.calls = append(f.calls, recipients)
	if f.err != nil {
		return nil, f.err
	}
	var out []SendResult
	for _, r := range f.results {
		for _, phone := range recipients {
			if r.Phone == phone {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func TestRegistry_CapabilityChannels(t *testing.T) {
	logger := logging.NewLogger()
	registry, err := RegistryFromConfigs([]GatewayConfig{
		{Name: "a", Channel: "ch-a", Endpoint: "http://a"},
		{Name: "b", Channel: "ch-b", Endpoint: "http://b", BulkConfirm: true},
		{Name: "c", Channel: "ch-c", Endpoint: "http://c", StatusReports: true},
		{Name: "d", Channel: "ch-d", Endpoint: "http://d", BulkConfirm: true, StatusReports: true},
	}, logger)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	if got := registry.BulkConfirmChannels(); !reflect.DeepEqual(got, []string{"ch-b", "ch-d"}) {
		t.Errorf("unexpected bulk channels %v", got)
	}
	if got := registry.ReportChannels(); !reflect.DeepEqual(got, []string{"ch-c", "ch-d"}) {
		t.Errorf("unexpected report channels %v", got)
	}
	if got := registry.Channels(); len(got) != 4 {
		t.Errorf("expected 4 channels, got %v", got)
	}
}

func TestRegistry_RejectsDuplicateChannel(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("ch-a", &fakeProvider{name: "a"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := registry.Register("ch-a", &fakeProvider{name: "b"}); err == nil {
		t.Fatal("expected duplicate channel to be rejected")
	}
}

func TestSendChunked_BackfillsUnacknowledged(t *testing.T) {
	p := &fakeProvider{
		name: "a",
		results: []SendResult{
			{Phone: "111", Ref: "ref-1"},
			{Phone: "333", Ref: "ref-3"},
		},
	}

	results, err := SendChunked(context.Background(), p, []string{"111", "222", "333"}, "hi", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected one result per recipient, got %d", len(results))
	}
	if results[1].Phone != "222" || results[1].Ref != "" {
		t.Errorf("unacknowledged number must get an empty ref, got %+v", results[1])
	}
	if len(p.calls) != 2 {
		t.Errorf("expected 2 chunks of size 2, got %d calls", len(p.calls))
	}
}

func TestSendChunked_DispatchFailureKeepsRecipients(t *testing.T) {
	p := &fakeProvider{name: "a", err: errors.New("gateway down")}

	results, err := SendChunked(context.Background(), p, []string{"111", "222"}, "hi", 10)
	if err == nil {
		t.Fatal("expected dispatch error to surface")
	}
	if len(results) != 2 {
		t.Fatalf("expected results for every recipient even on failure, got %d", len(results))
	}
	for _, r := range results {
		if r.Ref != "" {
			t.Errorf("failed dispatch must leave refs empty, got %+v", r)
		}
	}
}

func TestGateway_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("invalid request body: %v", err)
		}
		if req["api_key"] != "key-1" {
			t.Errorf("expected api key, got %v", req["api_key"])
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]string{{"phone": "111", "message_id": "ref-1"}},
		})
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{Name: "a", Endpoint: srv.URL, APIKey: "key-1"}, logging.NewLogger())
	results, err := g.Send(context.Background(), []string{"111"}, "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(results) != 1 || results[0].Ref != "ref-1" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestGateway_FetchReports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reports" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("date"); got != "20260215" {
			t.Errorf("unexpected date %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"reports": []map[string]string{
				{"phone": "111", "message_id": "ref-1", "status": StatusDelivered},
			},
		})
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{Name: "a", Endpoint: srv.URL}, logging.NewLogger())
	date := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	reports, err := reportGateway{g}.FetchReports(context.Background(), date, 1, 500)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(reports) != 1 || reports[0].Status != StatusDelivered || reports[0].Ref != "ref-1" {
		t.Fatalf("unexpected reports %+v", reports)
	}
}

func TestGateway_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{Name: "a", Endpoint: srv.URL}, logging.NewLogger())
	if _, err := g.Send(context.Background(), []string{"111"}, "hello"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
