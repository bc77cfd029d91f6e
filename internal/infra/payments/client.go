package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Spok95/club-crm/internal/domain/billing"
)

var (
	ErrBadSignature = errors.New("payments: webhook signature mismatch")
	ErrSessionGone  = errors.New("payments: session not found at provider")
)

// Client — клиент платёжного провайдера (checkout-сессии поверх HTTP API).
type Client struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	httpc         *http.Client
}

func NewClient(baseURL, apiKey, webhookSecret string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		httpc:         &http.Client{Timeout: 15 * time.Second},
	}
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateSession создаёт checkout-сессию; membership_id уезжает в metadata и
// вернётся в вебхуке.
func (c *Client) CreateSession(ctx context.Context, membershipID, amountCents int64, description string) (*CheckoutSession, error) {
	body, _ := json.Marshal(map[string]any{
		"amount":      amountCents,
		"currency":    "usd",
		"description": description,
		"metadata":    map[string]string{"membership_id": strconv.FormatInt(membershipID, 10)},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payments: create session: status %d", resp.StatusCode)
	}
	var s CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

type sessionState struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Metadata      map[string]string `json:"metadata"`
}

// VerifySession перечитывает авторитетное состояние сессии. Сетевые сбои и
// 5xx ретраим с бэкоффом; дедлайн задаёт вызывающий контекст.
func (c *Client) VerifySession(ctx context.Context, sessionID string) (*billing.ProviderSession, error) {
	var st sessionState
	b := retry.WithMaxRetries(3, retry.NewFibonacci(300*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/checkout/sessions/"+sessionID, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrSessionGone
		case resp.StatusCode >= 500:
			_, _ = io.Copy(io.Discard, resp.Body)
			return retry.RetryableError(fmt.Errorf("payments: verify session: status %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("payments: verify session: status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&st)
	})
	if err != nil {
		return nil, err
	}

	var membershipID int64
	if v, ok := st.Metadata["membership_id"]; ok {
		membershipID, _ = strconv.ParseInt(v, 10, 64)
	}
	return &billing.ProviderSession{
		ID:              st.ID,
		PaymentIntentID: st.PaymentIntent,
		Paid:            st.PaymentStatus == "paid",
		AmountCents:     st.AmountTotal,
		MembershipID:    membershipID,
	}, nil
}

// WebhookEvent — событие из push-канала.
type WebhookEvent struct {
	Type string `json:"type"`
	Data struct {
		SessionID     string            `json:"session_id"`
		PaymentIntent string            `json:"payment_intent"`
		Metadata      map[string]string `json:"metadata"`
	} `json:"data"`
}

// VerifyWebhook проверяет HMAC-подпись тела и только потом парсит payload.
func (c *Client) VerifyWebhook(body []byte, signature string) (*WebhookEvent, error) {
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.TrimSpace(signature))) {
		return nil, ErrBadSignature
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
