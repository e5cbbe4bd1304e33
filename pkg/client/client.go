package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/auth"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default retry settings
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialBackoff:  100 * time.Millisecond,
	MaxBackoff:      5 * time.Second,
	BackoffMultiple: 2.0,
}

const defaultRequestTimeout = 30 * time.Second

// ClientConfig holds the configuration for the ledger client
type ClientConfig struct {
	BaseURL string

	// Token is sent as a bearer token when the server requires authentication
	Token string

	// Authority is sent in the X-Merkle-Authority header for servers running without auth
	Authority string

	HTTPClient *http.Client // Optional, defaults to a client with a 30s timeout
	Retry      *RetryConfig // Optional, defaults to DefaultRetryConfig
	Logger     *zap.Logger  // Optional, defaults to a no-op logger
}

// APIError is returned for any non-2xx response
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a merkle ledger server
type Client struct {
	baseURL     string
	token       string
	authority   string
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *zap.Logger
}

// NewClient creates a new ledger client
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", config.BaseURL)
	}

	c := &Client{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		token:       config.Token,
		authority:   config.Authority,
		httpClient:  config.HTTPClient,
		retryConfig: DefaultRetryConfig,
		logger:      config.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if config.Retry != nil {
		c.retryConfig = *config.Retry
	}
	if c.retryConfig.MaxAttempts < 1 {
		c.retryConfig.MaxAttempts = 1
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var out types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Initialize(ctx context.Context, req *types.InitializeRequest) (*types.AccountResponse, error) {
	var out types.AccountResponse
	if err := c.do(ctx, http.MethodPost, "/accounts", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListAccounts(ctx context.Context) ([]string, error) {
	var out types.ListAccountsResponse
	if err := c.do(ctx, http.MethodGet, "/accounts", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

func (c *Client) GetAccount(ctx context.Context, accountID string) (*types.AccountResponse, error) {
	var out types.AccountResponse
	if err := c.do(ctx, http.MethodGet, accountPath(accountID, ""), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRoot(ctx context.Context, accountID string) (*types.RootResponse, error) {
	var out types.RootResponse
	if err := c.do(ctx, http.MethodGet, accountPath(accountID, "/root"), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// InsertLeaf appends raw leaf bytes. Inserts are not idempotent, so they are
// only retried when the server rejected them before doing any work.
func (c *Client) InsertLeaf(ctx context.Context, accountID string, leaf []byte) (*types.InsertLeafResponse, error) {
	req := &types.InsertLeafRequest{}
	req.Leaf = leaf
	return c.insert(ctx, accountID, req)
}

// InsertText appends a UTF-8 string leaf
func (c *Client) InsertText(ctx context.Context, accountID, text string) (*types.InsertLeafResponse, error) {
	req := &types.InsertLeafRequest{}
	req.Text = text
	return c.insert(ctx, accountID, req)
}

func (c *Client) insert(ctx context.Context, accountID string, req *types.InsertLeafRequest) (*types.InsertLeafResponse, error) {
	var out types.InsertLeafResponse
	if err := c.do(ctx, http.MethodPost, accountPath(accountID, "/leaves"), req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetProof(ctx context.Context, accountID string, index int) (*types.ProofResponse, error) {
	var out types.ProofResponse
	if err := c.do(ctx, http.MethodGet, accountPath(accountID, fmt.Sprintf("/proofs/%d", index)), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Verify(ctx context.Context, accountID string, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	var out types.VerifyResponse
	if err := c.do(ctx, http.MethodPost, accountPath(accountID, "/verify"), req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyBatch(ctx context.Context, accountID string, items []types.VerifyRequest) (*types.BatchVerifyResponse, error) {
	var out types.BatchVerifyResponse
	req := &types.BatchVerifyRequest{Items: items}
	if err := c.do(ctx, http.MethodPost, accountPath(accountID, "/verify/batch"), req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute submits an instruction envelope
func (c *Client) Execute(ctx context.Context, instr types.Instruction) (*types.InstructionResult, error) {
	data, err := types.EncodeInstruction(instr)
	if err != nil {
		return nil, err
	}
	var out types.InstructionResult
	idempotent := instr.Kind() == types.InstructionVerifyProof
	if err := c.do(ctx, http.MethodPost, "/instructions", json.RawMessage(data), &out, idempotent); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe streams leaf_inserted events for an account to handle until ctx
// is done or the server ends the stream.
func (c *Client) Subscribe(ctx context.Context, accountID string, handle func(*types.LeafInsertedEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+accountPath(accountID, "/events"), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuthHeaders(req)

	// streams outlive the request timeout of the shared client
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	c.logger.Sugar().Infow("Subscribed to account events", "account", accountID)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == "leaf_inserted" && data.Len() > 0 {
				var event types.LeafInsertedEvent
				if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
					return fmt.Errorf("failed to decode event: %w", err)
				}
				handle(&event)
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream failed: %w", err)
	}
	return nil
}

// do sends a JSON request and decodes the JSON response into out. Transport
// errors and 5xx responses are retried only when idempotent is set; 429 is
// always retried since the server rejects those before handling them.
func (c *Client) do(ctx context.Context, method, path string, body any, out any, idempotent bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	backoff := c.retryConfig.InitialBackoff
	var lastErr error
	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Sugar().Debugw("Retrying request", "method", method, "path", path, "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * c.retryConfig.BackoffMultiple)
			if backoff > c.retryConfig.MaxBackoff {
				backoff = c.retryConfig.MaxBackoff
			}
		}

		retry, err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retry == retryNever || (retry == retryIfIdempotent && !idempotent) {
			return err
		}
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.retryConfig.MaxAttempts, lastErr)
}

type retryPolicy int

const (
	retryNever retryPolicy = iota
	retryIfIdempotent
	retryAlways
)

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any) (retryPolicy, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retryNever, fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retryIfIdempotent, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return retryAlways, apiErr
		case resp.StatusCode >= http.StatusInternalServerError:
			return retryIfIdempotent, apiErr
		default:
			return retryNever, apiErr
		}
	}

	if out == nil {
		return retryNever, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retryNever, fmt.Errorf("failed to decode response: %w", err)
	}
	return retryNever, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.authority != "" {
		req.Header.Set(auth.AuthorityHeader, c.authority)
	}
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errResp types.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		apiErr.Code = errResp.Code
		apiErr.Message = errResp.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func accountPath(accountID, suffix string) string {
	return "/accounts/" + url.PathEscape(accountID) + suffix
}
