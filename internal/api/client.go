package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/rangeset"
	"github.com/roach88/polycentric/internal/store"
	"github.com/roach88/polycentric/internal/synchronization"
)

const defaultClientTimeout = 30 * time.Second

// Client talks to servers addressed by base URL, such as
// "http://localhost:8080".
type Client struct {
	http   *http.Client
	dialer *websocket.Dialer
}

var (
	_ synchronization.Transport = (*Client)(nil)
	_ synchronization.Searcher  = (*Client)(nil)
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.http.Timeout = d }
}

// NewClient returns a client with a 30 second request timeout.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:   &http.Client{Timeout: defaultClientTimeout},
		dialer: websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func endpoint(server, path string, q url.Values) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server %q: %w", server, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server %q is not an absolute URL", server)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, server, path string, q url.Values, body []byte) ([]byte, http.Header, error) {
	target, err := endpoint(server, path, q)
	if err != nil {
		return nil, nil, err
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		e := &Error{Code: resp.StatusCode}
		if json.Unmarshal(data, e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(data))
		}
		e.Code = resp.StatusCode
		return nil, nil, e
	}
	return data, resp.Header, nil
}

// Ranges implements synchronization.Transport.
func (c *Client) Ranges(ctx context.Context, server string, system model.PublicKey) ([]store.ProcessRanges, error) {
	data, _, err := c.do(ctx, http.MethodGet, server, "/ranges", url.Values{"system": {system.String()}}, nil)
	if err != nil {
		return nil, err
	}
	return unmarshalRanges(data)
}

// Events implements synchronization.Transport.
func (c *Client) Events(ctx context.Context, server string, system model.PublicKey, process model.Process, ranges rangeset.Set) ([]*model.SignedEvent, error) {
	q := url.Values{
		"system":  {system.String()},
		"process": {process.String()},
		"ranges":  {encodeParam(ranges.Marshal())},
	}
	data, _, err := c.do(ctx, http.MethodGet, server, "/events", q, nil)
	if err != nil {
		return nil, err
	}
	events, _, err := unmarshalEvents(data)
	return events, err
}

// PostEvents implements synchronization.Transport.
func (c *Client) PostEvents(ctx context.Context, server string, events []*model.SignedEvent) error {
	body := marshalEvents(events)
	if body == nil {
		body = []byte{}
	}
	_, _, err := c.do(ctx, http.MethodPost, server, "/events", nil, body)
	return err
}

// Search implements synchronization.Searcher.
func (c *Client) Search(ctx context.Context, server, term string, cursor []byte) (*synchronization.SearchResult, error) {
	q := url.Values{"term": {term}}
	if len(cursor) > 0 {
		q.Set("cursor", encodeParam(cursor))
	}
	data, _, err := c.do(ctx, http.MethodGet, server, "/search", q, nil)
	if err != nil {
		return nil, err
	}
	return unmarshalSearchResult(data)
}

// Claims pages the claim index server holds for system. The returned cursor
// continues after the last claim.
func (c *Client) Claims(ctx context.Context, server string, system model.PublicKey, limit int, cursor []byte) ([]*model.SignedEvent, []byte, error) {
	q := url.Values{"system": {system.String()}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(cursor) > 0 {
		q.Set("cursor", encodeParam(cursor))
	}
	data, header, err := c.do(ctx, http.MethodGet, server, "/claims", q, nil)
	if err != nil {
		return nil, nil, err
	}
	events, _, err := unmarshalEvents(data)
	if err != nil {
		return nil, nil, err
	}
	next, err := decodeParam(header.Get("X-Cursor"))
	if err != nil {
		return nil, nil, fmt.Errorf("decode cursor: %w", err)
	}
	return events, next, nil
}

// Subscribe streams events committed on server to fn until ctx is cancelled
// or the connection drops. A nil system subscribes to every system. Frames
// that do not decode are skipped.
func (c *Client) Subscribe(ctx context.Context, server string, system *model.PublicKey, fn func(*model.SignedEvent)) error {
	q := url.Values{}
	if system != nil {
		q.Set("system", system.String())
	}
	target, err := endpoint(server, "/feed", q)
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	case strings.HasPrefix(target, "http://"):
		target = "ws://" + strings.TrimPrefix(target, "http://")
	}

	ws, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return &Error{Code: resp.StatusCode, Message: err.Error()}
		}
		return err
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		se, err := model.UnmarshalSignedEvent(data)
		if err != nil {
			continue
		}
		fn(se)
	}
}
