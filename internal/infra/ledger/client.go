// Package ledger is the HTTP boundary to the ledger REST service.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trading_sim/internal/domain"
	"trading_sim/internal/infra"

	"github.com/shopspring/decimal"
)

const maxErrorBody = 4 << 10

// Client implements domain.Ledger over the ledger's REST API. Reads are
// retried with exponential backoff; trade submissions are never retried
// because their outcome is unknown after a transport failure.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	backoff     func(retryCount int) time.Duration
	metrics     *infra.Metrics
	logger      *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackoff replaces the retry delay function.
func WithBackoff(fn func(retryCount int) time.Duration) Option {
	return func(c *Client) { c.backoff = fn }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *infra.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the API rooted at baseURL
// (e.g. "http://localhost:8090/api").
func NewClient(baseURL string, timeout time.Duration, maxAttempts int, opts ...Option) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		maxAttempts: maxAttempts,
		backoff:     infra.CalculateBackoff,
		metrics:     infra.GlobalMetrics,
		logger:      slog.Default().With("module", "ledger_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	var acct domain.Account
	if err := c.getJSON(ctx, "get account", "/users/"+itoa(userID), &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	var q domain.Quote
	if err := c.getJSON(ctx, "get quote", "/stocks/"+url.PathEscape(symbol)+"/quote", &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *Client) GetPortfolio(ctx context.Context, userID int64) ([]domain.PositionSummary, error) {
	positions := []domain.PositionSummary{}
	if err := c.getJSON(ctx, "get portfolio", portfolioPath(userID, ""), &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (c *Client) GetTotalValue(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return c.getDecimal(ctx, "get total value", portfolioPath(userID, "/value"))
}

func (c *Client) GetTotalGainLoss(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return c.getDecimal(ctx, "get total gain/loss", portfolioPath(userID, "/gainloss"))
}

func (c *Client) GetTotalGainLossPercent(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return c.getDecimal(ctx, "get total gain/loss percent", portfolioPath(userID, "/gainloss-percent"))
}

func (c *Client) GetTransactions(ctx context.Context, userID int64) ([]domain.TransactionRecord, error) {
	txs := []domain.TransactionRecord{}
	if err := c.getJSON(ctx, "get transactions", portfolioPath(userID, "/transactions"), &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (c *Client) GetHeldShares(ctx context.Context, userID int64, symbol string) (int64, error) {
	var n int64
	if err := c.getJSON(ctx, "get held shares", portfolioPath(userID, "/shares/"+url.PathEscape(symbol)), &n); err != nil {
		return 0, err
	}
	return n, nil
}

// SubmitTrade posts req once. A 400 response carries the ledger's plain-text
// reason and is returned as *domain.RejectionError.
func (c *Client) SubmitTrade(ctx context.Context, req domain.TradeRequest) (*domain.TransactionRecord, error) {
	const op = "submit trade"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.NewFatalNetworkError(op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/trades", bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewFatalNetworkError(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.do(httpReq)
	if err != nil {
		// Outcome unknown: never retried.
		return nil, domain.NewFatalNetworkError(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var rec domain.TransactionRecord
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return nil, domain.NewFatalNetworkError(op, fmt.Errorf("decode response: %w", err))
		}
		c.logger.Info("Trade accepted by ledger",
			slog.String("request_id", req.RequestID),
			slog.Int64("transaction_id", rec.ID),
		)
		return &rec, nil

	case resp.StatusCode == http.StatusBadRequest:
		msg := strings.TrimSpace(readBody(resp.Body))
		if msg == "" {
			msg = "trade rejected"
		}
		return nil, &domain.RejectionError{Message: msg}

	default:
		return nil, &domain.NetworkError{
			Op:     op,
			Status: resp.StatusCode,
			Err:    errors.New(strings.TrimSpace(readBody(resp.Body))),
		}
	}
}

func (c *Client) getDecimal(ctx context.Context, op, path string) (decimal.Decimal, error) {
	var d decimal.Decimal
	if err := c.getJSON(ctx, op, path, &d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// getJSON fetches path and decodes the body into out, retrying retriable
// failures up to maxAttempts times.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	var lastErr error
	for i := 0; i < c.maxAttempts; i++ {
		if i > 0 {
			delay := c.backoff(i - 1)
			c.logger.Info("Retrying ledger request",
				slog.String("op", op),
				slog.Int("attempt", i+1),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return domain.NewFatalNetworkError(op, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := c.doGet(ctx, op, path, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !domain.IsRetriable(err) || ctx.Err() != nil {
			break
		}
		c.logger.Warn("Ledger request attempt failed", slog.String("op", op), slog.Int("attempt", i+1), slog.Any("error", err))
	}
	return lastErr
}

func (c *Client) doGet(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return domain.NewFatalNetworkError(op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return domain.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewFatalNetworkError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordLatency(time.Since(start))
	return resp, err
}

// statusError classifies a non-200 response. 5xx and 429 are retriable,
// 404 wraps domain.ErrNotFound, anything else is fatal.
func statusError(op string, resp *http.Response) error {
	body := strings.TrimSpace(readBody(resp.Body))
	if body == "" {
		body = http.StatusText(resp.StatusCode)
	}
	err := &domain.NetworkError{Op: op, Status: resp.StatusCode, Err: errors.New(body)}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		err.Err = fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		err.Retriable = true
	}
	return err
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(b)
}

func portfolioPath(userID int64, suffix string) string {
	return "/portfolio/user/" + itoa(userID) + suffix
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

var _ domain.Ledger = (*Client)(nil)
