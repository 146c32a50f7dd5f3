package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"admitflow/internal/config"

	"github.com/sirupsen/logrus"
)

// SMSGateway posts messages to an HTTP SMS provider.
type SMSGateway struct {
	cfg    config.SMSConfig
	client *http.Client
}

func NewSMSGateway(cfg config.SMSConfig, client *http.Client) *SMSGateway {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &SMSGateway{cfg: cfg, client: client}
}

type smsRequest struct {
	To      []string `json:"to"`
	Message string   `json:"message"`
	Sender  string   `json:"sender,omitempty"`
}

func (g *SMSGateway) SendSMS(ctx context.Context, to []string, message string) error {
	payload, err := json.Marshal(smsRequest{To: to, Message: message, Sender: g.cfg.Sender})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.GatewayURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}

// LogSMS only logs; used when no gateway is configured.
type LogSMS struct {
	Logger *logrus.Logger
}

func (s LogSMS) SendSMS(ctx context.Context, to []string, message string) error {
	s.Logger.WithFields(logrus.Fields{"to": to, "length": len(message)}).Info("sms: gateway not configured, message logged only")
	return nil
}
