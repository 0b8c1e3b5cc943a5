package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Config selects and configures the SMS gateway.
type Config struct {
	Mode     string `env:"SMS_MODE" envDefault:"mock"`
	APIURL   string `env:"SMS_API_URL"`
	APIKey   string `env:"SMS_API_KEY"`
	SenderID string `env:"SMS_SENDER_ID" envDefault:"NARTHEX"`
}

// New builds the configured sender. An http mode without an API URL or key
// degrades to Disabled rather than failing startup.
func New(cfg Config) Sender {
	switch cfg.Mode {
	case "http":
		if cfg.APIURL == "" || cfg.APIKey == "" {
			return Disabled{}
		}
		return NewHTTP(cfg)
	case "mock":
		return NewMock()
	default:
		return Disabled{}
	}
}

// HTTP talks to a JSON SMS gateway: POST {to, from, message} with a bearer
// key, expecting {"message_id": "..."} back.
type HTTP struct {
	cfg   Config
	httpc *http.Client
}

func NewHTTP(cfg Config) *HTTP {
	return &HTTP{cfg: cfg, httpc: &http.Client{Timeout: 10 * time.Second}}
}

func (h *HTTP) Send(ctx context.Context, toPhone, body string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"to":      toPhone,
		"from":    h.cfg.SenderID,
		"message": body,
	})
	if err != nil {
		return "", fmt.Errorf("sms: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)

	resp, err := h.httpc.Do(req)
	if err != nil {
		// Network errors and timeouts are worth another attempt.
		return "", &SendError{Code: "network_error", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			MessageID string `json:"message_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", &SendError{Code: "bad_response", Permanent: true, Err: err}
		}
		return out.MessageID, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &SendError{Code: "status_" + strconv.Itoa(resp.StatusCode)}
	default:
		// Remaining 4xx: the gateway rejected this message for good.
		return "", &SendError{Code: "status_" + strconv.Itoa(resp.StatusCode), Permanent: true}
	}
}
