package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"mailrelay/internal/types"
)

// minAliasLength is the shortest alias local part the directory will ever
// hand out. Shorter candidates are rejected without a network round trip.
const minAliasLength = 6

// DirectoryClientConfig holds the configuration for creating a DirectoryClient.
type DirectoryClientConfig struct {
	// BaseURL of the directory API, no trailing slash.
	BaseURL string
	// Token authenticates every request ("Authorization: Token <token>").
	Token types.SecretString
	// Logger for directory operations.
	Logger *slog.Logger
}

// DirectoryClient talks to the relay directory API over a BaseClient,
// inheriting circuit breaking, retries, and trace propagation. It implements
// both DirectoryService and ReplyRecordStore; deployments with a local
// Postgres reply store swap only the latter.
type DirectoryClient struct {
	base    *BaseClient
	baseURL string
	token   types.SecretString
	logger  *slog.Logger
}

// NewDirectoryClient creates a DirectoryClient from a BaseClient and config.
func NewDirectoryClient(base *BaseClient, cfg DirectoryClientConfig) *DirectoryClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryClient{
		base:    base,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger,
	}
}

// ResolveDestination looks up the real mailbox behind an alias. Returns ""
// when the alias is unknown, too short to be valid, or disabled upstream.
func (c *DirectoryClient) ResolveDestination(ctx context.Context, alias string) (string, error) {
	local, _, _ := strings.Cut(alias, "@")
	if len(local) < minAliasLength {
		return "", nil
	}

	var payload struct {
		Destination string `json:"destination"`
	}
	found, err := c.getJSON(ctx, "/destination?relay_address="+url.QueryEscape(alias), &payload)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return payload.Destination, nil
}

// GetPlan fetches the billing/feature plan for an address. A 404 or an empty
// body means the directory has no plan for the address and yields nil.
func (c *DirectoryClient) GetPlan(ctx context.Context, address string) (*types.AliasPlan, error) {
	var payload struct {
		IsPremium *bool `json:"is_premium"`
		Enabled   *bool `json:"enabled"`
		BlockSpam *bool `json:"block_spam"`
	}
	found, err := c.getJSON(ctx, "/plan?relay_address="+url.QueryEscape(address), &payload)
	if err != nil {
		return nil, err
	}
	// The API answers {} for addresses it does not manage.
	if !found || payload.IsPremium == nil {
		return nil, nil
	}
	plan := &types.AliasPlan{IsPremium: *payload.IsPremium}
	if payload.Enabled != nil {
		plan.Enabled = *payload.Enabled
	}
	if payload.BlockSpam != nil {
		plan.BlockSpam = *payload.BlockSpam
	}
	return plan, nil
}

// ReportStatistic increments a per-alias counter (forwarded, block_spam).
func (c *DirectoryClient) ReportStatistic(ctx context.Context, alias string, stat types.StatisticType) error {
	body := map[string]string{
		"relay_address": alias,
		"type":          string(stat),
	}
	return c.postJSON(ctx, "/statistics", body)
}

// CreateReplyRecord persists a reply record under its lookup token.
func (c *DirectoryClient) CreateReplyRecord(ctx context.Context, record types.ReplyRecord) error {
	return c.postJSON(ctx, "/reply", record)
}

// ReplyRecordByLookup fetches the reply record stored under a lookup token,
// or nil when the reference is unknown or stale.
func (c *DirectoryClient) ReplyRecordByLookup(ctx context.Context, lookup string) (*types.ReplyRecord, error) {
	var payload struct {
		EncryptedMetadata *string `json:"encrypted_metadata"`
	}
	found, err := c.getJSON(ctx, "/reply?lookup="+url.QueryEscape(lookup), &payload)
	if err != nil {
		return nil, err
	}
	if !found || payload.EncryptedMetadata == nil {
		return nil, nil
	}
	return &types.ReplyRecord{Lookup: lookup, EncryptedMetadata: *payload.EncryptedMetadata}, nil
}

// getJSON performs an authenticated GET and decodes the response body.
// found is false for a 404, letting callers express absence without errors.
func (c *DirectoryClient) getJSON(ctx context.Context, path string, out any) (found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build directory request", err)
	}
	c.authorize(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, types.NewAppError(types.ErrCodeUpstreamDirectory,
			fmt.Sprintf("directory API returned %d", resp.StatusCode), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, types.NewAppError(types.ErrCodeUpstreamDirectory,
			"directory API returned invalid JSON", err)
	}
	return true, nil
}

// postJSON performs an authenticated POST with a JSON body.
func (c *DirectoryClient) postJSON(ctx context.Context, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode directory payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build directory request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return types.NewAppError(types.ErrCodeUpstreamDirectory,
			fmt.Sprintf("directory API returned %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *DirectoryClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Token "+c.token.Unmask())
}

// Compile-time assertions that DirectoryClient satisfies both roles.
var (
	_ DirectoryService = (*DirectoryClient)(nil)
	_ ReplyRecordStore = (*DirectoryClient)(nil)
)
