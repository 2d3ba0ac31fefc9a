// Package broker talks to the upstream trading platform that charges the
// performance fees this engine distributes. The API is a JSON envelope
// over HTTP with bearer-token auth and page-numbered lists.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradenet/referral-engine/internal/model"
)

var (
	ErrAuthExpired = errors.New("broker access token expired")
	ErrRateLimited = errors.New("broker rate limit exceeded")
)

// FeeRecord is one performance fee charged by the broker.
type FeeRecord struct {
	Account   string          `json:"account"`
	Fee       decimal.Decimal `json:"fee"`
	ChargedAt time.Time       `json:"charged_at"`
}

// FeeSource yields the performance fees charged to a trader's broker
// account over a time window.
type FeeSource interface {
	FetchFees(ctx context.Context, session *model.BrokerSession, from, to time.Time) ([]FeeRecord, error)
}

// SessionSource authenticates against the broker and refreshes tokens.
type SessionSource interface {
	Login(ctx context.Context, account, password string) (*model.BrokerSession, error)
	Refresh(ctx context.Context, session *model.BrokerSession) (*model.BrokerSession, error)
}

// Client is the HTTP implementation of FeeSource and SessionSource.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a broker client. Pass nil to use a default HTTP client
// with a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// envelope is the outer JSON shape of every broker response.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type loginData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type feeListData struct {
	List []feeItem `json:"list"`
}

type feeItem struct {
	Account string `json:"account"`
	Fee     string `json:"fee"`
	Time    int64  `json:"time"` // unix seconds
}

// Login authenticates with broker account credentials.
func (c *Client) Login(ctx context.Context, account, password string) (*model.BrokerSession, error) {
	body := map[string]string{"account": account, "password": password}

	var data loginData
	if err := c.post(ctx, "/api/auth/login", "", body, &data); err != nil {
		return nil, err
	}
	return &model.BrokerSession{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
	}, nil
}

// Refresh exchanges the refresh token for a new token pair. The last fee
// sync timestamp carries over.
func (c *Client) Refresh(ctx context.Context, session *model.BrokerSession) (*model.BrokerSession, error) {
	body := map[string]string{"refresh_token": session.RefreshToken}

	var data loginData
	if err := c.post(ctx, "/api/auth/refresh", "", body, &data); err != nil {
		return nil, err
	}
	return &model.BrokerSession{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		LastFeeSync:  session.LastFeeSync,
	}, nil
}

// FetchFees pulls every performance fee charged in [from, to], walking the
// broker's page-numbered list until a short page.
func (c *Client) FetchFees(ctx context.Context, session *model.BrokerSession, from, to time.Time) ([]FeeRecord, error) {
	const pageSize = 100

	var records []FeeRecord
	for page := 1; ; page++ {
		body := map[string]interface{}{
			"start_time": from.Unix(),
			"end_time":   to.Unix(),
			"page":       page,
			"page_size":  pageSize,
		}

		var data feeListData
		if err := c.post(ctx, "/api/share_profit_log", session.AccessToken, body, &data); err != nil {
			return nil, err
		}

		for _, item := range data.List {
			fee, err := decimal.NewFromString(item.Fee)
			if err != nil {
				return nil, fmt.Errorf("parse fee %q: %w", item.Fee, err)
			}
			records = append(records, FeeRecord{
				Account:   item.Account,
				Fee:       fee.Round(4),
				ChargedAt: time.Unix(item.Time, 0).UTC(),
			})
		}

		if len(data.List) < pageSize {
			return records, nil
		}
	}
}

func (c *Client) post(ctx context.Context, path, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode broker response %s: %w", path, err)
	}

	switch env.Code {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("broker error %d on %s: %s", env.Code, path, env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode broker data %s: %w", path, err)
		}
	}
	return nil
}
