package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"courier/internal/models"
	"courier/pkg/logging"
)

// GatewayConfig describes one HTTP SMS gateway channel. Capabilities
// decide which reconciliation passes cover the channel.
type GatewayConfig struct {
	Name          string `json:"name"`
	Channel       string `json:"channel"`
	Endpoint      string `json:"endpoint"`
	APIKey        string `json:"api_key"`
	BulkConfirm   bool   `json:"bulk_confirm"`
	StatusReports bool   `json:"status_reports"`
}

// LoadConfigs parses the JSON gateway list from configuration.
func LoadConfigs(raw string) ([]GatewayConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var cfgs []GatewayConfig
	if err := json.Unmarshal([]byte(raw), &cfgs); err != nil {
		return nil, fmt.Errorf("failed to parse gateway config: %w", err)
	}
	return cfgs, nil
}

// RegistryFromConfigs builds the channel registry, wrapping each
// gateway so it only satisfies the capability interfaces its
// configuration declares.
func RegistryFromConfigs(cfgs []GatewayConfig, logger logging.Logger) (*Registry, error) {
	registry := NewRegistry()
	for _, cfg := range cfgs {
		if cfg.Channel == "" || cfg.Endpoint == "" {
			return nil, fmt.Errorf("gateway %q missing channel or endpoint", cfg.Name)
		}
		g := NewGateway(cfg, logger)

		var p Provider
		switch {
		case cfg.BulkConfirm && cfg.StatusReports:
			p = fullGateway{g}
		case cfg.BulkConfirm:
			p = bulkGateway{g}
		case cfg.StatusReports:
			p = reportGateway{g}
		default:
			p = g
		}
		if err := registry.Register(cfg.Channel, p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Gateway is a generic JSON-over-HTTP SMS gateway client.
type Gateway struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
	logger   logging.Logger
}

func NewGateway(cfg GatewayConfig, logger logging.Logger) *Gateway {
	return &Gateway{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

func (g *Gateway) Name() string {
	return g.name
}

// Send posts one batch of recipients. Numbers missing from the
// response are simply absent from the result; SendChunked backfills
// them with empty refs.
func (g *Gateway) Send(ctx context.Context, recipients []string, body string) ([]SendResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"api_key":    g.apiKey,
		"recipients": recipients,
		"content":    body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode send request: %w", err)
	}

	var resp struct {
		Results []struct {
			Phone     string `json:"phone"`
			MessageID string `json:"message_id"`
		} `json:"results"`
	}
	if err := g.post(ctx, "/send", payload, &resp); err != nil {
		return nil, err
	}

	results := make([]SendResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, SendResult{Phone: r.Phone, Ref: r.MessageID})
	}
	return results, nil
}

func (g *Gateway) allResolved(ctx context.Context) (bool, error) {
	var resp struct {
		Resolved bool `json:"resolved"`
	}
	query := url.Values{"api_key": {g.apiKey}}
	if err := g.get(ctx, "/resolved", query, &resp); err != nil {
		return false, err
	}
	return resp.Resolved, nil
}

func (g *Gateway) fetchReports(ctx context.Context, date time.Time, page, pageSize int) ([]Report, error) {
	query := url.Values{
		"api_key":   {g.apiKey},
		"date":      {date.Format("20060102")},
		"page":      {strconv.Itoa(page)},
		"page_size": {strconv.Itoa(pageSize)},
	}

	var resp struct {
		Reports []map[string]interface{} `json:"reports"`
	}
	if err := g.get(ctx, "/reports", query, &resp); err != nil {
		return nil, err
	}

	reports := make([]Report, 0, len(resp.Reports))
	for _, raw := range resp.Reports {
		reports = append(reports, Report{
			Phone:  stringField(raw, "phone"),
			Ref:    stringField(raw, "message_id"),
			Status: stringField(raw, "status"),
			Raw:    models.Detail(raw),
		})
	}
	return reports, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (g *Gateway) post(ctx context.Context, path string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req, out)
}

func (g *Gateway) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return g.do(req, out)
}

func (g *Gateway) do(req *http.Request, out interface{}) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s request failed: %w", g.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway %s returned status %d", g.name, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway %s returned invalid response: %w", g.name, err)
	}
	return nil
}

type bulkGateway struct{ *Gateway }

func (b bulkGateway) AllResolved(ctx context.Context) (bool, error) {
	return b.allResolved(ctx)
}

type reportGateway struct{ *Gateway }

func (r reportGateway) FetchReports(ctx context.Context, date time.Time, page, pageSize int) ([]Report, error) {
	return r.fetchReports(ctx, date, page, pageSize)
}

type fullGateway struct{ *Gateway }

func (f fullGateway) AllResolved(ctx context.Context) (bool, error) {
	return f.allResolved(ctx)
}

func (f fullGateway) FetchReports(ctx context.Context, date time.Time, page, pageSize int) ([]Report, error) {
	return f.fetchReports(ctx, date, page, pageSize)
}
