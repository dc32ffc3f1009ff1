package swap

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
	"strings"
	"time"

	"github.com/velorace/backend/internal/config"
)

const maxResponseBytes = 4 << 20

// Quote is one aggregator quote. Raw keeps the untouched response body
// because the swap endpoint wants the quote echoed back verbatim.
type Quote struct {
	OutAmount string
	Raw       json.RawMessage
}

// Client talks to a Jupiter-compatible swap aggregator. It only ever
// builds unsigned transactions addressed to the winner's wallet; it
// never holds keys.
type Client struct {
	baseURL string
	slipBps uint64
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(cfg config.SwapConfig, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		slipBps: cfg.SlippageBps,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*Quote, error) {
	endpoint := fmt.Sprintf(
		"%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d&onlyDirectRoutes=false&asLegacyTransaction=false",
		c.baseURL,
		url.QueryEscape(inputMint),
		url.QueryEscape(outputMint),
		amount,
		c.slipBps,
	)

	raw, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		OutAmount string `json:"outAmount"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode quote response: %w", err)
	}
	if parsed.OutAmount == "" {
		return nil, errors.New("quote response missing outAmount")
	}

	c.logger.Info("swap quote received",
		"input_mint", inputMint,
		"output_mint", outputMint,
		"amount_in", amount,
		"amount_out", parsed.OutAmount,
	)
	return &Quote{OutAmount: parsed.OutAmount, Raw: raw}, nil
}

// BuildSwapTransaction exchanges a quote for an unsigned swap
// transaction (base64) the wallet owner signs client-side.
func (c *Client) BuildSwapTransaction(ctx context.Context, quote *Quote, userPublicKey string) (string, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return "", errors.New("swap transaction requires a quote")
	}

	payload := map[string]any{
		"quoteResponse":             quote.Raw,
		"userPublicKey":             userPublicKey,
		"wrapUnwrapSOL":             true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": "auto",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "velorace-backend/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("swap request failed (%d): %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode swap response: %w", err)
	}
	if parsed.SwapTransaction == "" {
		return "", errors.New("swap response missing swapTransaction")
	}
	return parsed.SwapTransaction, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "velorace-backend/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote request failed (%d): %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}
