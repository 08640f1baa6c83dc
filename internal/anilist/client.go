// Package anilist is the catalog client. It turns structured listing
// queries into AniList GraphQL requests and normalizes the results.
package anilist

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/platform/httpclient"
)

const DefaultEndpoint = "https://graphql.anilist.co"

type Client struct {
	endpoint string
	http     *httpclient.Client
	cache    Cache
	log      *zap.Logger
	now      func() time.Time
}

// Option configures the Client.
type Option func(*Client)

func WithEndpoint(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.endpoint = url
		}
	}
}

func WithHTTPClient(hc *httpclient.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCache replaces the default in-memory cache. A nil cache disables
// caching.
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(opts ...Option) *Client {
	c := &Client{
		endpoint: DefaultEndpoint,
		cache:    NewMemoryCache(256, 5*time.Minute),
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = httpclient.New(
			httpclient.Config{Timeout: 10 * time.Second, MaxRetries: 2},
			httpclient.WithCircuitBreaker(httpclient.NewBreaker("anilist", c.log)),
			httpclient.WithLogger(c.log),
		)
	}
	return c
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

type pageData struct {
	Page *struct {
		PageInfo *domain.PageCursor   `json:"pageInfo"`
		Media    []domain.AnimeSummary `json:"media"`
	} `json:"Page"`
}

// FetchAnime lists one page of the catalog. Adult entries and entries
// without a recognized format are dropped from the result.
func (c *Client) FetchAnime(ctx context.Context, q Query) (domain.AnimePage, error) {
	const op = "anilist.FetchAnime"
	q = q.Normalize()
	doc, vars := q.build()

	var data pageData
	if err := c.post(ctx, op, doc, vars, &data); err != nil {
		return domain.AnimePage{}, err
	}

	out := domain.AnimePage{
		Data:     []domain.AnimeSummary{},
		PageInfo: domain.PageCursor{Page: q.Page, PerPage: q.PerPage, LastPage: 1},
	}
	if data.Page == nil {
		return out, nil
	}
	if data.Page.PageInfo != nil {
		out.PageInfo = *data.Page.PageInfo
		if out.PageInfo.PerPage == 0 {
			out.PageInfo.PerPage = q.PerPage
		}
	}
	for _, m := range data.Page.Media {
		if m.IsAdult || !m.Format.Known() {
			continue
		}
		if m.Genres == nil {
			m.Genres = []string{}
		}
		out.Data = append(out.Data, m)
	}
	c.log.Debug("catalog page fetched",
		zap.Int("page", out.PageInfo.Page),
		zap.Int("items", len(out.Data)),
		zap.Bool("has_next", out.PageInfo.HasNextPage))
	return out, nil
}

// post runs one GraphQL request. Successful bodies are cached raw;
// failures never are.
func (c *Client) post(ctx context.Context, op, doc string, vars map[string]any, dst any) error {
	key, err := cacheKey(doc, vars)
	if err != nil {
		return apperr.Operation(op, "encode request", err)
	}

	if c.cache != nil {
		if body, ok, err := c.cache.Get(ctx, key); err != nil {
			c.log.Warn("catalog cache read failed", zap.Error(err))
		} else if ok {
			if err := decodeData(op, body, dst); err == nil {
				return nil
			}
		}
	}

	resp, err := c.http.Do(ctx, httpclient.Request{
		Method:     http.MethodPost,
		URL:        c.endpoint,
		Body:       gqlRequest{Query: doc, Variables: vars},
		Idempotent: true,
	})
	if err != nil {
		return transportError(op, err)
	}
	if !resp.OK() {
		return apperr.Fetch(op, resp.Status, truncate(resp.Body, 1024), nil)
	}
	if err := decodeData(op, resp.Body, dst); err != nil {
		return err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, resp.Body); err != nil {
			c.log.Warn("catalog cache write failed", zap.Error(err))
		}
	}
	return nil
}

func decodeData(op string, body []byte, dst any) error {
	var env gqlResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return apperr.Operation(op, "malformed catalog response", err)
	}
	if len(env.Errors) > 0 {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, e.Message)
		}
		return apperr.GraphQL(op, msgs)
	}
	if len(bytes.TrimSpace(env.Data)) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return apperr.Operation(op, "malformed catalog response", err)
	}
	return nil
}

func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout(op, err)
	}
	return apperr.Fetch(op, 0, "", err)
}

func cacheKey(doc string, vars map[string]any) (string, error) {
	b, err := json.Marshal(gqlRequest{Query: doc, Variables: vars})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "anilist:" + hex.EncodeToString(sum[:]), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
