package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OutboundEvent is the wire shape of one captured event. ReceivedAt
// is the device-side capture time, not the send time.
type OutboundEvent struct {
	DeviceID       string    `json:"device_id"`
	ChatRoom       string    `json:"chat_room"`
	SenderName     string    `json:"sender_name"`
	Text           string    `json:"text"`
	ReceivedAt     time.Time `json:"received_at"`
	NotificationID string    `json:"notification_id,omitempty"`
}

type ServerEventID string

// Client talks to the collector. One attempt per call: retry policy
// lives in the sync engine, backed by the store's per-event retry
// counter, so a failed send here must not block or loop.
type Client interface {
	SendEvent(ctx context.Context, event OutboundEvent) (ServerEventID, error)
	SendHeartbeat(ctx context.Context, at time.Time) error
}

// TransportError marks a send failure as recoverable: the event stays
// in the outbox and its retry counter is bumped. Status is zero when
// the request never reached the collector. Auth is set on 401/403 so
// callers can log credential trouble distinctly, though delivery
// handling is the same.
type TransportError struct {
	Status int
	Auth   bool
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("collector: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("collector: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type HTTPClientOptions struct {
	BaseURL    string
	DeviceID   string
	DeviceKey  string
	HTTPClient *http.Client
	UserAgent  string
}

type HTTPClient struct {
	baseURL    string
	deviceID   string
	deviceKey  string
	httpClient *http.Client
	userAgent  string
}

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("collector: base url is required")
	}
	deviceID := strings.TrimSpace(opts.DeviceID)
	if deviceID == "" {
		return nil, errors.New("collector: device id is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		deviceID:   deviceID,
		deviceKey:  strings.TrimSpace(opts.DeviceKey),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}, nil
}

func (c *HTTPClient) SendEvent(ctx context.Context, event OutboundEvent) (ServerEventID, error) {
	event.DeviceID = c.deviceID
	var reply struct {
		OK      bool   `json:"ok"`
		EventID string `json:"event_id"`
		Deduped bool   `json:"deduped"`
	}
	if err := c.post(ctx, "/v1/events", event, &reply); err != nil {
		return "", err
	}
	if !reply.OK {
		return "", &TransportError{Err: errors.New("collector rejected event")}
	}
	return ServerEventID(reply.EventID), nil
}

func (c *HTTPClient) SendHeartbeat(ctx context.Context, at time.Time) error {
	payload := struct {
		DeviceID string    `json:"device_id"`
		TS       time.Time `json:"ts"`
	}{DeviceID: c.deviceID, TS: at.UTC()}
	var reply struct {
		OK bool `json:"ok"`
	}
	if err := c.post(ctx, "/v1/heartbeat", payload, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return &TransportError{Err: errors.New("collector rejected heartbeat")}
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, reply any) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.deviceKey != "" {
		req.Header.Set("X-Device-Key", c.deviceKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &TransportError{Err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if detail, ok := parsed["detail"].(string); ok && strings.TrimSpace(detail) != "" {
				message = detail
			}
		}
		return &TransportError{
			Status: resp.StatusCode,
			Auth:   resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
			Err:    fmt.Errorf("%s", message),
		}
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, reply); err != nil {
		return &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
