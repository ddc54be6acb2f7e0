package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested block does not exist.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Event is an audit event to append.
type Event struct {
	Action   string `json:"action"`
	ActorID  string `json:"actorId"`
	Entity   string `json:"entity"`
	EntityID string `json:"entityId,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// BlockData mirrors the data stored in a block.
type BlockData struct {
	Action   string          `json:"action"`
	ActorID  string          `json:"actorId"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entityId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Block is a ledger block as returned by the service.
type Block struct {
	ID        string    `json:"id,omitempty"`
	Index     int64     `json:"index"`
	PrevHash  string    `json:"prevHash"`
	Data      BlockData `json:"data"`
	Timestamp int64     `json:"timestamp"`
	Hash      string    `json:"hash"`
}

// Time returns the block timestamp.
func (b *Block) Time() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// VerifyResult is the response of GET /audit/verify.
type VerifyResult struct {
	Valid      bool      `json:"valid"`
	Status     string    `json:"status"`
	TamperedAt *int64    `json:"tamperedAt,omitempty"`
	Checked    int64     `json:"checked"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// TamperReport is the response of GET /audit/detect-tampering.
type TamperReport struct {
	Tampered []int64 `json:"tampered"`
	Count    int     `json:"count"`
}

// RepairResult is the outcome of repairing one block.
type RepairResult struct {
	BlockIndex int64  `json:"blockIndex"`
	Status     string `json:"status"`
	OldHash    string `json:"oldHash,omitempty"`
	NewHash    string `json:"newHash,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RepairReport is the response of POST /audit/auto-repair.
type RepairReport struct {
	Results         []RepairResult `json:"results"`
	Repaired        int            `json:"repaired"`
	Failed          int            `json:"failed"`
	Verified        bool           `json:"verified"`
	NothingToRepair bool           `json:"nothingToRepair"`
	Message         string         `json:"message,omitempty"`
}

// Stats is the response of GET /audit/stats.
type Stats struct {
	TotalBlocks    int64            `json:"totalBlocks"`
	ChainStatus    string           `json:"chainStatus"`
	TamperedAt     *int64           `json:"tamperedAt,omitempty"`
	LastVerifiedAt time.Time        `json:"lastVerifiedAt"`
	PrevVerifiedAt *time.Time       `json:"previousVerifiedAt,omitempty"`
	ByEntity       map[string]int64 `json:"byEntity"`
	ByAction       map[string]int64 `json:"byAction"`
}

// ListOptions filters and pages ListBlocks.
type ListOptions struct {
	Page   int
	Limit  int
	Entity string
	Action string
	Actor  string
	Search string
}

// Page is one page of blocks, newest first.
type Page struct {
	Blocks     []Block `json:"blocks"`
	Total      int64   `json:"total"`
	Page       int     `json:"page"`
	PageSize   int     `json:"pageSize"`
	TotalPages int     `json:"totalPages"`
}

// AdminToken is the response of POST /auth/admin-token.
type AdminToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Client talks to the audit service HTTP API.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	ingestKey   string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an admin token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithIngestKey sets the X-Ingest-Key header sent with Append.
func WithIngestKey(key string) Option {
	return func(c *Client) error {
		c.ingestKey = key
		return nil
	}
}

// New creates a Client for the service at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid service URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append records an event and returns the durable block.
func (c *Client) Append(ctx context.Context, ev Event) (*Block, error) {
	var b Block
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/audit/events", nil, ev, &b); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return &b, nil
}

// Verify walks the chain and reports the first broken block.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var v VerifyResult
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/audit/verify", nil, nil, &v); err != nil {
		return nil, fmt.Errorf("verify chain: %w", err)
	}
	return &v, nil
}

// DetectTampering lists every tampered block index.
func (c *Client) DetectTampering(ctx context.Context) (*TamperReport, error) {
	var r TamperReport
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/audit/detect-tampering", nil, nil, &r); err != nil {
		return nil, fmt.Errorf("detect tampering: %w", err)
	}
	return &r, nil
}

// AutoRepair repairs the chain from the first tampered block. Needs an admin token.
func (c *Client) AutoRepair(ctx context.Context) (*RepairReport, error) {
	var r RepairReport
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/audit/auto-repair", nil, nil, &r); err != nil {
		return nil, fmt.Errorf("auto repair: %w", err)
	}
	return &r, nil
}

// RepairBlock relinks a single block. Needs an admin token.
func (c *Client) RepairBlock(ctx context.Context, index int64) (*RepairResult, error) {
	var r RepairResult
	path := "/api/v1/audit/repair-block/" + strconv.FormatInt(index, 10)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil, &r); err != nil {
		return nil, fmt.Errorf("repair block %d: %w", index, err)
	}
	return &r, nil
}

// Stats returns ledger statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/audit/stats", nil, nil, &s); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &s, nil
}

// ListBlocks returns a filtered page of blocks.
func (c *Client) ListBlocks(ctx context.Context, opts ListOptions) (*Page, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	for k, v := range map[string]string{"entity": opts.Entity, "action": opts.Action, "actor": opts.Actor, "search": opts.Search} {
		if v != "" {
			q.Set(k, v)
		}
	}
	var p Page
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/audit/blocks", q, nil, &p); err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return &p, nil
}

// Block fetches one block by index.
func (c *Client) Block(ctx context.Context, index int64) (*Block, error) {
	var b Block
	path := "/api/v1/audit/blocks/" + strconv.FormatInt(index, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &b); err != nil {
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}
	return &b, nil
}

// Recent returns the newest blocks.
func (c *Client) Recent(ctx context.Context, limit int) ([]Block, error) {
	var resp struct {
		Blocks []Block `json:"blocks"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/audit/recent", limitQuery(limit), nil, &resp); err != nil {
		return nil, fmt.Errorf("recent blocks: %w", err)
	}
	return resp.Blocks, nil
}

// ActorActivity returns the newest blocks recorded for actorID.
func (c *Client) ActorActivity(ctx context.Context, actorID string, limit int) ([]Block, error) {
	var resp struct {
		Blocks []Block `json:"blocks"`
	}
	path := "/api/v1/audit/actor/" + url.PathEscape(actorID)
	if err := c.doJSON(ctx, http.MethodGet, path, limitQuery(limit), nil, &resp); err != nil {
		return nil, fmt.Errorf("actor activity: %w", err)
	}
	return resp.Blocks, nil
}

// AdminToken exchanges the admin secret for a bearer token.
func (c *Client) AdminToken(ctx context.Context, secret string) (*AdminToken, error) {
	var t AdminToken
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/admin-token", nil, map[string]string{"secret": secret}, &t); err != nil {
		return nil, fmt.Errorf("admin token: %w", err)
	}
	return &t, nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

// doJSON sends reqBody as JSON and decodes a 2xx response into respBody.
func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, reqBody, respBody any) error {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.ingestKey != "" {
		req.Header.Set("X-Ingest-Key", c.ingestKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return apiErr
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
