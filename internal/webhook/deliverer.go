package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"ilp-ledger-go/internal/models"

	"golang.org/x/net/http2"
)

const defaultTimeout = 10 * time.Second

// Deliverer posts an event to the operator's webhook endpoint and returns the
// response status code.
type Deliverer interface {
	Deliver(ctx context.Context, event *models.WebhookEvent) (int, error)
}

type HTTPDeliverer struct {
	url    string
	client http.Client
}

func NewHTTPDeliverer(url string, timeout time.Duration) (*HTTPDeliverer, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client, err := createHttpClient(timeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create webhook http client: %w", err)
	}
	return &HTTPDeliverer{url: url, client: client}, nil
}

func createHttpClient(timeout time.Duration) (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: timeout,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   5 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, event *models.WebhookEvent) (int, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}
