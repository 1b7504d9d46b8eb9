package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DNSProvider exposes create/remove-subdomain operations against an external
// DNS service.
type DNSProvider interface {
	CreateSubdomain(ctx context.Context, subdomain string, port int) (string, error)
	RemoveSubdomain(ctx context.Context, subdomain string) error
}

// NoopDNS is substituted when no DNS provider is configured.
type NoopDNS struct{}

func (NoopDNS) CreateSubdomain(_ context.Context, subdomain string, _ int) (string, error) {
	return subdomain, nil
}
func (NoopDNS) RemoveSubdomain(context.Context, string) error { return nil }

// HTTPDNSProvider talks to a DNS management API over HTTP.
type HTTPDNSProvider struct {
	base   string
	token  string
	zone   string
	client *http.Client
}

func NewHTTPDNSProvider(base, token, zone string) *HTTPDNSProvider {
	return &HTTPDNSProvider{
		base:   base,
		token:  token,
		zone:   zone,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPDNSProvider) do(ctx context.Context, method, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dns api status %d", resp.StatusCode)
	}
	return nil
}

// CreateSubdomain registers <subdomain>.<zone> and returns the FQDN.
func (p *HTTPDNSProvider) CreateSubdomain(ctx context.Context, subdomain string, port int) (string, error) {
	payload := map[string]any{"subdomain": subdomain, "zone": p.zone, "port": port}
	if err := p.do(ctx, http.MethodPost, "/v1/subdomains", payload); err != nil {
		return "", fmt.Errorf("create subdomain failed: %w", err)
	}
	return subdomain + "." + p.zone, nil
}

func (p *HTTPDNSProvider) RemoveSubdomain(ctx context.Context, subdomain string) error {
	if err := p.do(ctx, http.MethodDelete, "/v1/subdomains/"+subdomain, nil); err != nil {
		return fmt.Errorf("remove subdomain failed: %w", err)
	}
	return nil
}
