// Package api is a single-attempt client for the platform's v2 REST API.
// It authenticates, issues search and LQL requests and follows page links;
// retry and pacing belong to the caller. The one exception is a rejected
// access token, which is exchanged again once.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hargabyte/lwreport/internal/config"
	"github.com/hargabyte/lwreport/internal/logging"
	"github.com/hargabyte/lwreport/internal/lwerr"
	"github.com/hargabyte/lwreport/internal/query"
)

const (
	tokenPath       = "/api/v2/access/tokens"
	lqlPath         = "/api/v2/Queries/execute"
	orgInfoPath     = "/api/v2/OrganizationInfo"
	userProfilePath = "/api/v2/UserProfile"
	tokenLifetime   = 3600 // seconds
	tokenSkew       = 60 * time.Second
	maxErrorBody    = 512
	tracerName      = "lwreport/api"
	timeFilterForm  = "2006-01-02T15:04:05Z"
)

// Client talks to one platform account. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	subAccount string
	keyID      string
	secret     string
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithClock overrides time.Now for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient builds a client rooted at baseURL using the credentials in cfg.
func NewClient(baseURL string, cfg config.APIConfig, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", baseURL)
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		baseURL:    u,
		subAccount: cfg.SubAccount,
		keyID:      cfg.KeyID,
		secret:     cfg.Secret,
		httpClient: &http.Client{Timeout: timeout},
		tracer:     otel.Tracer(tracerName),
		logger:     logging.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// searchRequest is the body of POST /api/v2/{type}/search.
type searchRequest struct {
	TimeFilter *timeFilter    `json:"timeFilter,omitempty"`
	Filters    []query.Filter `json:"filters,omitempty"`
	Returns    []string       `json:"returns,omitempty"`
}

type timeFilter struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// searchResponse covers both the first search response and followed page links.
type searchResponse struct {
	Data   []query.RawRecord `json:"data"`
	Paging struct {
		URLs struct {
			NextPage string `json:"nextPage"`
		} `json:"urls"`
	} `json:"paging"`
}

// lqlRequest is the body of POST /api/v2/Queries/execute.
type lqlRequest struct {
	Query struct {
		QueryText string `json:"queryText"`
	} `json:"query"`
	Arguments []lqlArgument `json:"arguments,omitempty"`
}

type lqlArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FetchPage returns one page for q. An empty q.Cursor issues the search, or
// executes q.LQL when set; otherwise the cursor is the next-page link
// returned by the previous page.
func (c *Client) FetchPage(ctx context.Context, q query.DatasetQuery) (query.Page, error) {
	ctx, span := c.tracer.Start(ctx, "api.FetchPage", trace.WithAttributes(
		attribute.String("lw.object_type", q.ObjectType),
		attribute.Bool("lw.follow_cursor", q.Cursor != ""),
		attribute.Bool("lw.lql", q.LQL != ""),
	))
	defer span.End()

	page, err := c.fetchPage(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return query.Page{}, err
	}
	span.SetAttributes(attribute.Int("lw.records", len(page.Records)))
	return page, nil
}

func (c *Client) fetchPage(ctx context.Context, q query.DatasetQuery) (query.Page, error) {
	data, err := c.call(ctx, q.Account, func() (*http.Request, error) {
		return c.pageRequest(ctx, q)
	})
	if err != nil {
		return query.Page{}, err
	}

	var resp searchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return query.Page{}, &lwerr.ProtocolError{Reason: fmt.Sprintf("decoding %s page: %v", q.ObjectType, err)}
	}

	records := resp.Data

	c.logger.Debug("fetched page",
		"object_type", q.ObjectType,
		"records", len(records),
		"has_next", resp.Paging.URLs.NextPage != "")

	return query.Page{Records: records, NextCursor: resp.Paging.URLs.NextPage}, nil
}

// pageRequest builds the request for one page of q without credentials.
func (c *Client) pageRequest(ctx context.Context, q query.DatasetQuery) (*http.Request, error) {
	if q.Cursor != "" {
		next, err := c.resolveCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
	}

	var (
		payload  []byte
		endpoint *url.URL
		err      error
	)
	if q.LQL != "" {
		var body lqlRequest
		body.Query.QueryText = q.LQL
		if !q.TimeRange.IsZero() {
			body.Arguments = []lqlArgument{
				{Name: "StartTimeRange", Value: q.TimeRange.Start.UTC().Format(timeFilterForm)},
				{Name: "EndTimeRange", Value: q.TimeRange.End.UTC().Format(timeFilterForm)},
			}
		}
		payload, err = json.Marshal(body)
		endpoint = c.baseURL.JoinPath(lqlPath)
	} else {
		body := searchRequest{Filters: q.Filters, Returns: q.Returns}
		if !q.TimeRange.IsZero() {
			body.TimeFilter = &timeFilter{
				StartTime: q.TimeRange.Start.UTC().Format(timeFilterForm),
				EndTime:   q.TimeRange.End.UTC().Format(timeFilterForm),
			}
		}
		payload, err = json.Marshal(body)
		endpoint = c.baseURL.JoinPath("api", "v2", q.ObjectType, "search")
	}
	if err != nil {
		return nil, fmt.Errorf("encoding request for %s: %w", q.ObjectType, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// call sends the request built by newReq with a bearer token and the account
// header. account overrides the configured sub-account. A 401 means the
// cached token was revoked or expired early: the key pair is exchanged again
// and the request is sent once more.
func (c *Client) call(ctx context.Context, account string, newReq func() (*http.Request, error)) ([]byte, error) {
	data, err := c.callOnce(ctx, account, newReq)
	if !isUnauthorized(err) {
		return data, err
	}
	c.dropToken()
	c.logger.Debug("access token rejected, exchanging again")
	data, err = c.callOnce(ctx, account, newReq)
	if isUnauthorized(err) {
		c.dropToken()
	}
	return data, err
}

func (c *Client) callOnce(ctx context.Context, account string, newReq func() (*http.Request, error)) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := newReq()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if account == "" {
		account = c.subAccount
	}
	if account != "" {
		req.Header.Set("Account-Name", account)
	}
	return c.do(req)
}

func isUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

type orgInfoResponse struct {
	Data []struct {
		OrgAccount bool `json:"orgAccount"`
	} `json:"data"`
}

type userProfileResponse struct {
	Data []struct {
		OrgAdmin bool `json:"orgAdmin"`
		Accounts []struct {
			AccountName string `json:"accountName"`
		} `json:"accounts"`
	} `json:"data"`
}

// SubAccounts lists the organization's sub-accounts. It returns none when the
// account is not an organization or the key's user is not an org admin.
func (c *Client) SubAccounts(ctx context.Context) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "api.SubAccounts")
	defer span.End()

	var org orgInfoResponse
	if err := c.getJSON(ctx, orgInfoPath, &org); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	isOrg := false
	for _, d := range org.Data {
		isOrg = isOrg || d.OrgAccount
	}
	if !isOrg {
		c.logger.Warn("not an organization account, sub-account enumeration skipped")
		return nil, nil
	}

	var profile userProfileResponse
	if err := c.getJSON(ctx, userProfilePath, &profile); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	var names []string
	for _, p := range profile.Data {
		if !p.OrgAdmin {
			c.logger.Warn("api key user is not an org admin, sub-account enumeration skipped")
			continue
		}
		for _, a := range p.Accounts {
			if a.AccountName != "" && !slices.Contains(names, a.AccountName) {
				names = append(names, a.AccountName)
			}
		}
	}
	span.SetAttributes(attribute.Int("lw.subaccounts", len(names)))
	return names, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	data, err := c.call(ctx, "", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath(path).String(), nil)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &lwerr.ProtocolError{Reason: fmt.Sprintf("decoding %s: %v", path, err)}
	}
	return nil
}

// resolveCursor turns a next-page link into an absolute URL on the API host.
// Links to any other host are refused so the bearer token never leaves it.
func (c *Client) resolveCursor(cursor string) (string, error) {
	u, err := url.Parse(cursor)
	if err != nil {
		return "", &lwerr.ProtocolError{Reason: "unparseable next page link", Cursor: cursor}
	}
	u = c.baseURL.ResolveReference(u)
	if u.Host != c.baseURL.Host {
		return "", &lwerr.ProtocolError{Reason: "next page link points at " + u.Host, Cursor: cursor}
	}
	return u.String(), nil
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// accessToken returns a cached bearer token, exchanging the key pair when it
// is missing or about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(tokenSkew).Before(c.tokenExpiry) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]any{"keyId": c.keyID, "expiryTime": tokenLifetime})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath(tokenPath).String(), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-LW-UAKS", c.secret)

	data, err := c.do(req)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			return "", lwerr.NewFatal("invalid api credentials", err)
		}
		return "", fmt.Errorf("exchanging api key: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil || tr.Token == "" {
		return "", lwerr.NewFatal("token exchange returned no token", err)
	}
	if tr.ExpiresAt.IsZero() {
		tr.ExpiresAt = c.now().Add(tokenLifetime * time.Second)
	}

	c.token = tr.Token
	c.tokenExpiry = tr.ExpiresAt
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// do sends req and returns the body of a 2xx response. Other statuses become
// *StatusError; transport failures become *TransportError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Op: req.Method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "reading " + req.URL.Path, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return nil, &StatusError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports a "too many requests" signal.
func (e *StatusError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// Transient reports a server-side failure worth retrying.
func (e *StatusError) Transient() bool { return e.StatusCode >= 500 }

// RetryAfter is the server's requested wait, 0 when absent.
func (e *StatusError) RetryAfter() time.Duration { return e.retryAfter }

// TransportError is a connection-level failure (reset, refused, timeout).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string   { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Transient() bool { return true }

// IsTimeout reports whether the transport failure was a timeout.
func (e *TransportError) IsTimeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
