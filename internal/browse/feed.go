package browse

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/anilist"
	"github.com/example/anime-watchlist/internal/domain"
)

// ScrollThreshold is how close to the bottom, in pixels, the viewport
// must be before the next page loads.
const ScrollThreshold = 500

// Fetcher loads one page of a catalog listing.
type Fetcher interface {
	FetchAnime(ctx context.Context, q anilist.Query) (domain.AnimePage, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, q anilist.Query) (domain.AnimePage, error)

func (f FetcherFunc) FetchAnime(ctx context.Context, q anilist.Query) (domain.AnimePage, error) {
	return f(ctx, q)
}

// State is a snapshot of a feed.
type State struct {
	Query      anilist.Query         `json:"-"`
	Items      []domain.AnimeSummary `json:"items"`
	Cursor     domain.PageCursor     `json:"pageInfo"`
	Loading    bool                  `json:"loading"`
	Err        error                 `json:"-"`
	Generation uint64                `json:"generation"`
}

type FeedOption func(*Feed)

func WithLogger(log *zap.Logger) FeedOption {
	return func(f *Feed) { f.log = log }
}

// WithOnChange registers fn to receive a snapshot after every state
// change. It runs outside the feed lock.
func WithOnChange(fn func(State)) FeedOption {
	return func(f *Feed) { f.onChange = fn }
}

// Feed accumulates the pages of one query. Reset starts a new generation;
// pages fetched for an older generation are discarded on arrival.
type Feed struct {
	fetcher  Fetcher
	log      *zap.Logger
	onChange func(State)

	mu      sync.Mutex
	query   anilist.Query
	items   []domain.AnimeSummary
	seen    map[int]struct{}
	cursor  domain.PageCursor
	loading bool
	err     error
	gen     uint64
	closed  bool
}

func NewFeed(fetcher Fetcher, opts ...FeedOption) *Feed {
	f := &Feed{
		fetcher: fetcher,
		log:     zap.NewNop(),
		seen:    make(map[int]struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Reset switches to q, clears the results and loads page 1.
func (f *Feed) Reset(ctx context.Context, q anilist.Query) error {
	q = q.Normalize().WithPage(1)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.gen++
	f.query = q
	f.items = nil
	f.seen = make(map[int]struct{})
	f.cursor = domain.PageCursor{PerPage: q.PerPage}
	f.loading = true
	f.err = nil
	gen := f.gen
	st := f.snapshotLocked()
	f.mu.Unlock()

	f.publish(st)
	return f.load(ctx, gen, q)
}

// Retry reloads the current query from page 1.
func (f *Feed) Retry(ctx context.Context) error {
	f.mu.Lock()
	q := f.query
	f.mu.Unlock()
	return f.Reset(ctx, q)
}

// Scroll loads the next page when the viewport is within ScrollThreshold
// of the bottom, nothing is loading and more pages exist. It reports
// whether a fetch was issued.
func (f *Feed) Scroll(ctx context.Context, remainingPx int) (bool, error) {
	f.mu.Lock()
	if f.closed || remainingPx > ScrollThreshold || f.loading || !f.cursor.HasNextPage {
		f.mu.Unlock()
		return false, nil
	}
	f.loading = true
	gen := f.gen
	q := f.query.WithPage(f.cursor.Page + 1)
	st := f.snapshotLocked()
	f.mu.Unlock()

	f.publish(st)
	return true, f.load(ctx, gen, q)
}

func (f *Feed) load(ctx context.Context, gen uint64, q anilist.Query) error {
	page, err := f.fetcher.FetchAnime(ctx, q)

	f.mu.Lock()
	if f.closed || gen != f.gen {
		f.mu.Unlock()
		f.log.Debug("discarding superseded page", zap.Int("page", q.Page), zap.Uint64("generation", gen))
		return nil
	}
	f.loading = false
	if err != nil {
		f.err = err
		st := f.snapshotLocked()
		f.mu.Unlock()
		f.log.Warn("catalog page failed", zap.Int("page", q.Page), zap.Error(err))
		f.publish(st)
		return err
	}
	f.err = nil
	for _, a := range page.Data {
		if _, dup := f.seen[a.ID]; dup {
			continue
		}
		f.seen[a.ID] = struct{}{}
		f.items = append(f.items, a)
	}
	f.cursor = page.PageInfo
	if f.cursor.Page == 0 {
		f.cursor.Page = q.Page
	}
	st := f.snapshotLocked()
	f.mu.Unlock()

	f.publish(st)
	return nil
}

func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Feed) snapshotLocked() State {
	items := make([]domain.AnimeSummary, len(f.items))
	copy(items, f.items)
	return State{
		Query:      f.query,
		Items:      items,
		Cursor:     f.cursor,
		Loading:    f.loading,
		Err:        f.err,
		Generation: f.gen,
	}
}

func (f *Feed) publish(st State) {
	if f.onChange != nil {
		f.onChange(st)
	}
}

// Close discards every in-flight and future result.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	f.loading = false
	f.mu.Unlock()
}
