package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Order is the opaque handle the provider returns for a checkout. The client
// later turns it into a Proof; only the handle shape matters here.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type OrderClientOption func(*OrderClient) error

func WithHTTPClient(hc *http.Client) OrderClientOption {
	return func(c *OrderClient) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) OrderClientOption {
	return func(c *OrderClient) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// OrderClient creates orders against the provider's REST API using basic
// auth (key id / key secret).
type OrderClient struct {
	baseURL      *url.URL
	keyID        string
	keySecret    string
	hc           *http.Client
	maxRespBytes int64
}

func NewOrderClient(baseURL, keyID, keySecret string, opts ...OrderClientOption) (*OrderClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}
	if strings.TrimSpace(keyID) == "" || strings.TrimSpace(keySecret) == "" {
		return nil, fmt.Errorf("%w: missing provider credentials", ErrInvalidConfig)
	}

	c := &OrderClient{
		baseURL:      u,
		keyID:        strings.TrimSpace(keyID),
		keySecret:    strings.TrimSpace(keySecret),
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CreateOrder registers a checkout with the provider. Amount is in the
// currency's minor unit (paise for INR).
func (c *OrderClient) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (Order, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return Order{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	if amount <= 0 {
		return Order{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidConfig)
	}
	currency = strings.TrimSpace(currency)
	if currency == "" {
		return Order{}, fmt.Errorf("%w: missing currency", ErrInvalidConfig)
	}

	body, err := json.Marshal(map[string]any{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
	})
	if err != nil {
		return Order{}, fmt.Errorf("payment: marshal order request: %w", err)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, "/v1/orders")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Order{}, fmt.Errorf("payment: build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.hc.Do(req)
	if err != nil {
		return Order{}, fmt.Errorf("payment: create order: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxRespBytes))
	if err != nil {
		return Order{}, fmt.Errorf("payment: read order response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		var er struct {
			Error struct {
				Description string `json:"description"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &er) == nil && er.Error.Description != "" {
			msg = er.Error.Description
		}
		if msg == "" {
			msg = resp.Status
		}
		return Order{}, fmt.Errorf("payment: create order: provider status %d: %s", resp.StatusCode, msg)
	}

	var order Order
	if err := json.Unmarshal(respBody, &order); err != nil {
		return Order{}, fmt.Errorf("payment: decode order response: %w", err)
	}
	if strings.TrimSpace(order.ID) == "" {
		return Order{}, fmt.Errorf("payment: provider returned order without id")
	}
	return order, nil
}

func joinPath(base, p string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}
