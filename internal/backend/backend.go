// Package backend is the JSON plumbing shared by the REST clients of the
// auth, watchlist and questionnaire endpoints. The session is carried by
// cookies held in a resettable jar.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/platform/httpclient"
)

type Client struct {
	BaseURL string
	HTTP    *httpclient.Client
	Jar     *httpclient.Jar
}

// New wires jar into hc. Pass a nil jar to get a fresh one.
func New(baseURL string, hc *httpclient.Client, jar *httpclient.Jar) *Client {
	if jar == nil {
		jar = httpclient.NewJar()
	}
	if hc == nil {
		hc = httpclient.New(httpclient.Config{})
	}
	hc.HTTP.Jar = jar
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: hc, Jar: jar}
}

// Error is a non-2xx backend response.
type Error struct {
	Status  int
	Message string
	Fields  map[string]string
	Body    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend: status %d body=%q", e.Status, e.Body)
}

// Do sends in as JSON and decodes a 2xx body into out. Non-2xx answers
// return *Error; transport failures are returned as is.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.HTTP.Do(ctx, httpclient.Request{Method: method, URL: c.BaseURL + path, Body: in})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return parseError(resp.Status, resp.Body)
	}
	return resp.Decode(out)
}

// Forget drops the local session cookies.
func (c *Client) Forget() {
	c.Jar.Reset()
}

// URL is the base URL the session cookies are scoped to.
func (c *Client) URL() *url.URL {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return &url.URL{}
	}
	return u
}

type errorBody struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Errors  json.RawMessage `json:"errors"`
}

func parseError(status int, body []byte) *Error {
	e := &Error{Status: status, Body: truncate(body, 512)}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return e
	}
	e.Message = eb.Message
	if e.Message == "" {
		e.Message = eb.Error
	}
	e.Fields, e.Message = parseFieldErrors(eb.Errors, e.Message)
	return e
}

// parseFieldErrors accepts {"field": "msg"}, {"field": ["msg", ...]} and
// ["msg", ...] shapes. A bare list becomes the message when none is set.
func parseFieldErrors(raw json.RawMessage, message string) (map[string]string, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, message
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 {
		return flat, message
	}
	var multi map[string][]string
	if err := json.Unmarshal(raw, &multi); err == nil && len(multi) > 0 {
		out := make(map[string]string, len(multi))
		for k, v := range multi {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
		return out, message
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && message == "" {
		return nil, strings.Join(list, ", ")
	}
	return nil, message
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// AsError unwraps a backend *Error.
func AsError(err error) (*Error, bool) {
	var be *Error
	ok := errors.As(err, &be)
	return be, ok
}

// Transport converts a failure that produced no backend response into the
// taxonomy: deadlines become Timeout, everything else Fetch.
func Transport(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Fetch(op, 0, "", err)
}

// AnyStatus keys the fallback entry of a Classify table.
const AnyStatus = 0

// Classify maps a backend error to the taxonomy using a status to kind
// table. Statuses missing from the table use the AnyStatus entry when
// present and become Fetch errors otherwise.
func Classify(op string, err error, kinds map[int]apperr.Kind) error {
	if err == nil {
		return nil
	}
	be, ok := AsError(err)
	if !ok {
		return Transport(op, err)
	}
	kind, ok := kinds[be.Status]
	if !ok {
		kind, ok = kinds[AnyStatus]
	}
	if !ok || kind == apperr.KindFetch {
		return apperr.Fetch(op, be.Status, be.Body, be)
	}
	msg := be.Message
	switch kind {
	case apperr.KindValidation:
		return apperr.Validation(op, msg, be.Fields)
	case apperr.KindAuthentication:
		return apperr.Authentication(op, msg)
	case apperr.KindConflict:
		return apperr.Conflict(op, msg)
	case apperr.KindNotAuthenticated:
		return &apperr.Error{Kind: apperr.KindNotAuthenticated, Op: op, Message: "not authenticated", Status: be.Status, Err: be}
	case apperr.KindNotFound:
		return apperr.NotFound(op, msg)
	case apperr.KindOperation:
		if msg == "" {
			msg = "operation failed"
		}
		return apperr.Operation(op, msg, be)
	default:
		return &apperr.Error{Kind: kind, Op: op, Message: msg, Status: be.Status, Body: be.Body, Err: be}
	}
}

// StatusKinds builds a status to kind table.
func StatusKinds(kind apperr.Kind, statuses ...int) map[int]apperr.Kind {
	m := make(map[int]apperr.Kind, len(statuses))
	for _, s := range statuses {
		m[s] = kind
	}
	return m
}
