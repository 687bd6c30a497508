// Package profile предоставляет клиент сервиса профилей и учётных записей.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrAccountNotFound возвращается, если учётная запись не существует.
var ErrAccountNotFound = errors.New("account not found")

// AccountStatus описывает состояние учётной записи в сервисе профилей.
const (
	AccountStatusActive    = "ACTIVE"
	AccountStatusSuspended = "SUSPENDED"
)

// Account описывает ответ сервиса профилей по одной учётной записи.
type Account struct {
	ID     int64  `json:"id"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// Client инкапсулирует HTTP-взаимодействие с сервисом профилей.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент сервиса профилей по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetAccount запрашивает учётную запись по идентификатору.
func (c *Client) GetAccount(ctx context.Context, id int64) (*Account, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("profile client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/accounts/%d", base, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrAccountNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &account, nil
}
