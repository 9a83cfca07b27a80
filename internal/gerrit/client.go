// Package gerrit resolves a change number into the repository URL and ref
// that hold its current patch set.
package gerrit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"libdiff/internal/entity"
)

type FetchErrorKind string

const (
	KindNotFound  FetchErrorKind = "not_found"
	KindNetwork   FetchErrorKind = "network"
	KindMalformed FetchErrorKind = "malformed"
)

type FetchError struct {
	Change string
	Kind   FetchErrorKind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("gerrit change %s: %s: %v", e.Change, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// xssiPrefix guards every Gerrit JSON response.
const xssiPrefix = ")]}'"

type Client struct {
	baseURL string
	http    *retryablehttp.Client
	log     *zap.Logger
}

type Option func(*Client)

// WithRetry sets the retry budget for network errors and 5xx responses.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = waitMin
		c.http.RetryWaitMax = waitMax
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.HTTPClient.Timeout = d }
}

// New returns a client for the Gerrit instance at baseURL, for example
// "https://gerrit.wikimedia.org/r/".
func New(baseURL string, log *zap.Logger, opts ...Option) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if log == nil {
		log = zap.NewNop()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	c := &Client{baseURL: baseURL, http: rc, log: log}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Resolve looks up the current patch set of change. The caller validates the
// change id syntax.
func (c *Client) Resolve(ctx context.Context, change string) (entity.ChangeRef, error) {
	endpoint := c.baseURL + "changes/" + url.PathEscape(change) + "?o=CURRENT_REVISION&o=DOWNLOAD_COMMANDS"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return entity.ChangeRef{}, &FetchError{Change: change, Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return entity.ChangeRef{}, &FetchError{Change: change, Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return entity.ChangeRef{}, &FetchError{Change: change, Kind: KindNetwork, Err: err}
	}
	c.log.Debug("change metadata",
		zap.String("change", change),
		zap.Int("status", resp.StatusCode),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return entity.ChangeRef{}, &FetchError{Change: change, Kind: KindNotFound, Err: errors.New("no such change")}
	case resp.StatusCode != http.StatusOK:
		return entity.ChangeRef{}, &FetchError{Change: change, Kind: KindNetwork, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	ref, err := c.parse(change, body)
	if err != nil {
		return entity.ChangeRef{}, &FetchError{Change: change, Kind: KindMalformed, Err: err}
	}
	return ref, nil
}

func (c *Client) parse(change string, body []byte) (entity.ChangeRef, error) {
	body = bytes.TrimPrefix(bytes.TrimSpace(body), []byte(xssiPrefix))
	if !gjson.ValidBytes(body) {
		return entity.ChangeRef{}, errors.New("invalid json")
	}
	doc := gjson.ParseBytes(body)

	sha := doc.Get("current_revision").String()
	if sha == "" {
		return entity.ChangeRef{}, errors.New("missing current_revision")
	}
	rev := doc.Get("revisions." + sha)
	if !rev.Exists() {
		return entity.ChangeRef{}, fmt.Errorf("missing revision %s", sha)
	}

	project := doc.Get("project").String()
	sourceURL := rev.Get("fetch.anonymous http.url").String()
	fetchRef := rev.Get("fetch.anonymous http.ref").String()
	if sourceURL == "" && project != "" {
		sourceURL = c.baseURL + project
	}
	if fetchRef == "" {
		fetchRef = rev.Get("ref").String()
	}
	if sourceURL == "" || fetchRef == "" {
		return entity.ChangeRef{}, errors.New("missing fetch url or ref")
	}

	name := ProjectFromURL(sourceURL, c.baseURL)
	if !strings.HasPrefix(sourceURL, c.baseURL) && project != "" {
		name = project
	}
	return entity.ChangeRef{
		Change:    change,
		SourceURL: sourceURL,
		FetchRef:  fetchRef,
		Project:   name,
	}, nil
}

// ProjectFromURL strips the Gerrit host prefix from a clone URL. This is a
// heuristic: URLs outside prefix come back unchanged apart from a trailing
// ".git".
func ProjectFromURL(sourceURL, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(sourceURL, prefix), ".git")
}
