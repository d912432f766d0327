// Package relayclient is a Go client for the oracle-relayd REST API. Write
// calls are signed with the caller's secp256k1 key; the recovered address is
// the ledger signer on the server side.
package relayclient

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Oracle-Relay/internal/auth"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the relay API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	key        *ecdsa.PrivateKey
	now        func() time.Time
}

// State mirrors the relay state returned by the API.
type State struct {
	Requests           uint64         `json:"requests"`
	LLMContext         common.Address `json:"llm_context"`
	HasContext         bool           `json:"has_context"`
	DefaultPrompt      string         `json:"default_prompt"`
	LastResponse       string         `json:"last_response"`
	TaskQueueAuthority common.Address `json:"task_queue_authority"`
	Interaction        common.Address `json:"interaction"`
	TreasuryBalance    uint64         `json:"treasury_balance"`
}

// Treasury is the treasury account and its balance.
type Treasury struct {
	Address common.Address `json:"treasury"`
	Balance uint64         `json:"balance"`
}

// Task is a scheduled task record.
type Task struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	TaskID      uint16 `json:"task_id"`
	Address     string `json:"address"`
	Description string `json:"description,omitempty"`
	CrankReward uint64 `json:"crank_reward"`
	Status      string `json:"status"`
	ErrorCode   string `json:"error_code,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// TaskStats summarises the records matched by a listing.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// TaskList is the response of ListTasks.
type TaskList struct {
	Tasks []Task    `json:"tasks"`
	Stats TaskStats `json:"stats"`
}

// TaskFilter narrows ListTasks. Zero values are omitted.
type TaskFilter struct {
	Status string
	Queue  string
	Query  string
	Limit  int
	Offset int
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("relay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay api error (%d): %s", e.StatusCode, e.Message)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClock overrides the clock used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient creates a client for the API at rawURL. key may be nil for a
// read-only client.
func NewClient(rawURL string, key *ecdsa.PrivateKey, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		key:        key,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Address returns the signer address, or the zero address for read-only clients.
func (c *Client) Address() common.Address {
	if c.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// Initialize creates the relay state. Requires the admin role.
func (c *Client) Initialize(ctx context.Context, defaultPrompt string, schedulerAuthority common.Address) (State, error) {
	var state State
	err := c.post(ctx, "/api/v1/initialize", map[string]any{
		"default_prompt":      defaultPrompt,
		"scheduler_authority": schedulerAuthority,
	}, &state)
	return state, err
}

// CreateContext registers the agent description and returns the context account.
func (c *Client) CreateContext(ctx context.Context, description string) (common.Address, error) {
	var out struct {
		LLMContext common.Address `json:"llm_context"`
	}
	err := c.post(ctx, "/api/v1/contexts", map[string]any{"agent_description": description}, &out)
	return out.LLMContext, err
}

// FundTreasury moves amount from the signer into the treasury.
func (c *Client) FundTreasury(ctx context.Context, amount uint64) (Treasury, error) {
	var out Treasury
	err := c.post(ctx, "/api/v1/treasury/fund", map[string]any{"amount": amount}, &out)
	return out, err
}

// Schedule queues a dispatch task in slot taskID, paid by the signer.
func (c *Client) Schedule(ctx context.Context, taskID uint16) error {
	return c.post(ctx, "/api/v1/schedule", map[string]any{"task_id": taskID}, nil)
}

// Dispatch submits the default prompt directly. The signer must be the
// registered scheduler authority.
func (c *Client) Dispatch(ctx context.Context) (State, error) {
	var state State
	err := c.post(ctx, "/api/v1/dispatch", nil, &state)
	return state, err
}

// Callback delivers an oracle response. Requires the oracle role.
func (c *Client) Callback(ctx context.Context, interaction common.Address, response string) (State, error) {
	var state State
	err := c.post(ctx, "/api/v1/callbacks", map[string]any{
		"interaction": interaction,
		"response":    response,
	}, &state)
	return state, err
}

// State fetches the relay state.
func (c *Client) State(ctx context.Context) (State, error) {
	var state State
	err := c.get(ctx, "/api/v1/state", nil, &state)
	return state, err
}

// Treasury fetches the treasury balance.
func (c *Client) Treasury(ctx context.Context) (Treasury, error) {
	var out Treasury
	err := c.get(ctx, "/api/v1/treasury", nil, &out)
	return out, err
}

// ListTasks lists scheduled task records.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) (TaskList, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", filter.Status)
	}
	if filter.Queue != "" {
		query.Set("queue", filter.Queue)
	}
	if filter.Query != "" {
		query.Set("q", filter.Query)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	var out TaskList
	err := c.get(ctx, "/api/v1/tasks", query, &out)
	return out, err
}

// GetTask fetches a task record by ID.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var out Task
	err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	if c.key == nil {
		return errors.New("relayclient: signing key is not set")
	}
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := auth.SignRequest(req, c.key, body, c.now()); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body []byte) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
