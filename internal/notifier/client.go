// Package notifier предоставляет клиент сервиса уведомлений.
// Уведомления отправляются по принципу fire-and-forget: сбой доставки
// логируется вызывающей стороной и никогда не влияет на биллинг.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Виды событий, отправляемых в сервис уведомлений.
const (
	EventLowBalance   = "LOW_BALANCE"
	EventSessionEnded = "SESSION_ENDED"
)

// Event описывает одно уведомление.
type Event struct {
	Event            string    `json:"event"`
	SessionID        uuid.UUID `json:"session_id"`
	ClientID         int64     `json:"client_id"`
	ExpertID         int64     `json:"expert_id"`
	RemainingSeconds int64     `json:"remaining_seconds,omitempty"`
	FinalCostCents   int64     `json:"final_cost_cents,omitempty"`
}

// Client инкапсулирует HTTP-взаимодействие с сервисом уведомлений.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент сервиса уведомлений по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Notify отправляет событие в сервис уведомлений.
func (c *Client) Notify(ctx context.Context, event Event) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notifier client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/notify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
