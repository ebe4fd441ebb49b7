package whatsapp

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

	"github.com/tidwall/gjson"
)

// Bridge drives the locally run session client. Lifecycle changes come back
// asynchronously through the bridge callback endpoint.
type Bridge interface {
	Start(ctx context.Context, tenantID uint, slot string) error
	Stop(ctx context.Context, tenantID uint, slot string) error
	RequestQR(ctx context.Context, tenantID uint, slot string) error
	Send(ctx context.Context, tenantID uint, slot, to, content, mediaURL string) (string, error)
}

// HTTPBridge talks to the bridge process over its REST API
type HTTPBridge struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPBridge creates a bridge client.
func NewHTTPBridge(baseURL, token string, timeout time.Duration) *HTTPBridge {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPBridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBridge) Start(ctx context.Context, tenantID uint, slot string) error {
	_, err := b.call(ctx, tenantID, slot, "start", nil)
	return err
}

func (b *HTTPBridge) Stop(ctx context.Context, tenantID uint, slot string) error {
	_, err := b.call(ctx, tenantID, slot, "stop", nil)
	return err
}

func (b *HTTPBridge) RequestQR(ctx context.Context, tenantID uint, slot string) error {
	_, err := b.call(ctx, tenantID, slot, "qr", nil)
	return err
}

func (b *HTTPBridge) Send(ctx context.Context, tenantID uint, slot, to, content, mediaURL string) (string, error) {
	body, err := b.call(ctx, tenantID, slot, "send", map[string]string{
		"to":        to,
		"content":   content,
		"media_url": mediaURL,
	})
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", fmt.Errorf("bridge response carried no message id")
	}
	return id, nil
}

func (b *HTTPBridge) call(ctx context.Context, tenantID uint, slot, action string, payload interface{}) ([]byte, error) {
	if b.baseURL == "" {
		return nil, fmt.Errorf("bridge URL is not configured")
	}

	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	endpoint := fmt.Sprintf("%s/sessions/%d/%s/%s", b.baseURL, tenantID, url.PathEscape(slot), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &bridgeError{status: resp.StatusCode, body: string(body)}
	}
	return body, nil
}

type bridgeError struct {
	status int
	body   string
}

func (e *bridgeError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.status, e.body)
}
