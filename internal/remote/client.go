// Package remote implements the client for the PocketBase-style document
// store that mirrors orchestrator state for the dashboard and carries user
// commands back as events. One Client is shared by every supervisor in the
// process; the session token lives inside it.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/retry"
)

const (
	defaultRemoteTimeout = 15 * time.Second
	listPageSize         = 500

	// The store issues tokens valid for a little over a week; the supervisor
	// refreshes well before expiry.
	TokenLifetime = 7 * 24 * time.Hour
)

// APIError is a non-2xx response from the remote store.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote store: status %d: %s", e.Status, e.Body)
}

// Client talks to the remote document store. Safe for concurrent use.
type Client struct {
	http           *resty.Client
	baseURL        string
	authCollection string
	logger         *logrus.Logger
	retryCfg       retry.Config

	mu     sync.RWMutex
	token  string
	userID string
	authAt time.Time
}

// NewClient builds a client against baseURL. authCollection is the collection
// password auth runs against, usually "users".
func NewClient(baseURL, authCollection string, logger *logrus.Logger) *Client {
	return NewClientWithTimeout(baseURL, authCollection, logger, defaultRemoteTimeout)
}

// NewClientWithTimeout builds a client with a custom per-request timeout.
func NewClientWithTimeout(baseURL, authCollection string, logger *logrus.Logger, timeout time.Duration) *Client {
	if authCollection == "" {
		authCollection = "users"
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &Client{
		baseURL:        baseURL,
		authCollection: authCollection,
		logger:         logger,
		retryCfg: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Timeout:        time.Minute,
		},
	}

	c.http = resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	// The store expects the raw token in the Authorization header.
	c.http.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if tok := c.Token(); tok != "" && req.Header.Get("Authorization") == "" {
			req.SetHeader("Authorization", tok)
		}
		return nil
	})

	return c
}

// BaseURL returns the store URL the client was built against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the current session token, "" before authentication.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// UserID returns the id of the authenticated user record.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// TokenAge returns how long ago the current token was issued or refreshed.
func (c *Client) TokenAge() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authAt.IsZero() {
		return 0
	}
	return time.Since(c.authAt)
}

type authResponse struct {
	Token  string `json:"token"`
	Record Record `json:"record"`
}

// Authenticate performs password auth against the auth collection and stores
// the session token for later requests.
func (c *Client) Authenticate(ctx context.Context, identity, password string) error {
	var auth authResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"identity": identity, "password": password}).
		SetResult(&auth).
		Post("/api/collections/" + c.authCollection + "/auth-with-password")
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if auth.Token == "" {
		return fmt.Errorf("authenticate: empty token in response")
	}

	c.mu.Lock()
	c.token = auth.Token
	c.userID = auth.Record.ID
	c.authAt = time.Now()
	c.mu.Unlock()
	return nil
}

// RefreshToken exchanges the current token for a fresh one. The supervisor
// calls this on a seven-day cadence.
func (c *Client) RefreshToken(ctx context.Context) error {
	return retry.Do(ctx, c.logger, c.retryCfg, "refresh token", func(ctx context.Context) error {
		var auth authResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&auth).
			Post("/api/collections/" + c.authCollection + "/auth-refresh")
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		if auth.Token == "" {
			return fmt.Errorf("empty token in refresh response")
		}

		c.mu.Lock()
		c.token = auth.Token
		if auth.Record.ID != "" {
			c.userID = auth.Record.ID
		}
		c.authAt = time.Now()
		c.mu.Unlock()
		return nil
	})
}

// CreateRecord inserts a record and returns the stored form. Fields go
// through EncodeFields first.
func (c *Client) CreateRecord(ctx context.Context, collection string, fields map[string]interface{}) (*Record, error) {
	body := EncodeFields(fields)
	var rec Record
	err := retry.Do(ctx, c.logger, c.retryCfg, "create "+collection, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&rec).
			Post("/api/collections/" + collection + "/records")
		if err != nil {
			return err
		}
		return checkStatus(resp)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateRecord applies a patch to one record and returns the post-image.
func (c *Client) UpdateRecord(ctx context.Context, collection, id string, patch map[string]interface{}) (*Record, error) {
	body := EncodeFields(patch)
	var rec Record
	err := retry.Do(ctx, c.logger, c.retryCfg, "update "+collection, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&rec).
			Patch("/api/collections/" + collection + "/records/" + url.PathEscape(id))
		if err != nil {
			return err
		}
		return checkStatus(resp)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteRecord removes one record.
func (c *Client) DeleteRecord(ctx context.Context, collection, id string) error {
	return retry.Do(ctx, c.logger, c.retryCfg, "delete "+collection, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			Delete("/api/collections/" + collection + "/records/" + url.PathEscape(id))
		if err != nil {
			return err
		}
		return checkStatus(resp)
	})
}

// GetRecord fetches one record by id.
func (c *Client) GetRecord(ctx context.Context, collection, id string) (*Record, error) {
	var rec Record
	err := retry.Do(ctx, c.logger, c.retryCfg, "get "+collection, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&rec).
			Get("/api/collections/" + collection + "/records/" + url.PathEscape(id))
		if err != nil {
			return err
		}
		return checkStatus(resp)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type recordPage struct {
	Page       int      `json:"page"`
	PerPage    int      `json:"perPage"`
	TotalItems int      `json:"totalItems"`
	Items      []Record `json:"items"`
}

// List fetches every record of a collection matching filter, in sort order.
// The filter string is the store's own predicate syntax and is passed through
// verbatim, e.g. `account = 'x7k2' && sent_by_admin = false`.
func (c *Client) List(ctx context.Context, collection, filter, sort string) ([]Record, error) {
	var out []Record
	for page := 1; ; page++ {
		var pg recordPage
		err := retry.Do(ctx, c.logger, c.retryCfg, "list "+collection, func(ctx context.Context) error {
			req := c.http.R().
				SetContext(ctx).
				SetQueryParam("page", strconv.Itoa(page)).
				SetQueryParam("perPage", strconv.Itoa(listPageSize)).
				SetResult(&pg)
			if filter != "" {
				req.SetQueryParam("filter", filter)
			}
			if sort != "" {
				req.SetQueryParam("sort", sort)
			}
			resp, err := req.Get("/api/collections/" + collection + "/records")
			if err != nil {
				return err
			}
			return checkStatus(resp)
		})
		if err != nil {
			return nil, err
		}

		out = append(out, pg.Items...)
		if len(out) >= pg.TotalItems || len(pg.Items) == 0 {
			return out, nil
		}
	}
}

// First returns the single record matching filter, or nil when none match.
func (c *Client) First(ctx context.Context, collection, filter string) (*Record, error) {
	records, err := c.List(ctx, collection, filter, "")
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func checkStatus(resp *resty.Response) error {
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}
	return nil
}

// Record is one document from the remote store. Reserved envelope fields are
// lifted out; everything else stays in Fields under its collection key.
type Record struct {
	ID      string
	Created time.Time
	Updated time.Time
	Fields  map[string]interface{}
}

// UnmarshalJSON splits the envelope keys from the payload fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	rec := Record{Fields: make(map[string]interface{}, len(raw))}
	for k, v := range raw {
		switch k {
		case "id":
			rec.ID, _ = v.(string)
		case "created":
			rec.Created = parseTimestamp(v)
		case "updated":
			rec.Updated = parseTimestamp(v)
		case "collectionId", "collectionName", "expand":
			// envelope noise
		default:
			rec.Fields[k] = v
		}
	}
	*r = rec
	return nil
}

// parseTimestamp accepts the store's space-separated layout as well as
// RFC3339.
func parseTimestamp(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02 15:04:05.000Z", "2006-01-02 15:04:05Z", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// String returns a string field, "" when absent or differently typed.
func (r *Record) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Float returns a numeric field, 0 when absent or differently typed.
func (r *Record) Float(key string) float64 {
	f, _ := r.Fields[key].(float64)
	return f
}

// Bool returns a boolean field, false when absent or differently typed.
func (r *Record) Bool(key string) bool {
	b, _ := r.Fields[key].(bool)
	return b
}

// Map returns a document field. Compound values arrive either inline or as a
// JSON string; both decode to a map.
func (r *Record) Map(key string) map[string]interface{} {
	switch v := r.Fields[key].(type) {
	case map[string]interface{}:
		return v
	case string:
		if v == "" {
			return nil
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil
		}
		return m
	default:
		return nil
	}
}
