package browse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/anilist"
	"github.com/example/anime-watchlist/internal/domain"
)

// Search drives a Feed from search text and filters. Input is debounced
// and the feed restarts from page 1 only when the effective query changed.
type Search struct {
	ctx  context.Context
	feed *Feed
	deb  *Debouncer[anilist.Query]
	log  *zap.Logger

	mu      sync.Mutex
	input   anilist.Query
	applied string
	loaded  bool
}

// NewSearch binds feed to debounced input. Debounced fetches run under
// ctx, which bounds the search's lifetime.
func NewSearch(ctx context.Context, feed *Feed, wait time.Duration, log *zap.Logger) *Search {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Search{ctx: ctx, feed: feed, log: log}
	s.deb = NewDebouncer(wait, s.apply)
	return s
}

// Load fetches the first page of the current input without waiting.
func (s *Search) Load(ctx context.Context) error {
	s.mu.Lock()
	q := s.input
	s.applied = q.Filter()
	s.loaded = true
	s.mu.Unlock()
	return s.feed.Reset(ctx, q)
}

// Update edits the input and schedules a debounced refresh.
func (s *Search) Update(edit func(q *anilist.Query)) {
	s.mu.Lock()
	edit(&s.input)
	q := s.input
	s.mu.Unlock()
	s.deb.Push(q)
}

func (s *Search) SetText(text string) {
	s.Update(func(q *anilist.Query) { q.Search = text })
}

func (s *Search) SetSort(sort anilist.Sort) {
	s.Update(func(q *anilist.Query) { q.Sort = sort })
}

func (s *Search) SetGenres(genres ...string) {
	s.Update(func(q *anilist.Query) { q.Genres = genres })
}

func (s *Search) SetSeason(season domain.Season, year int) {
	s.Update(func(q *anilist.Query) { q.Season, q.SeasonYear = season, year })
}

func (s *Search) SetFormat(format domain.Format) {
	s.Update(func(q *anilist.Query) { q.Format = format })
}

// Flush applies pending input immediately.
func (s *Search) Flush() {
	s.deb.Flush()
}

func (s *Search) apply(q anilist.Query) {
	filter := q.Filter()
	s.mu.Lock()
	if s.loaded && filter == s.applied {
		s.mu.Unlock()
		return
	}
	s.applied = filter
	s.loaded = true
	s.mu.Unlock()

	if err := s.feed.Reset(s.ctx, q); err != nil {
		s.log.Debug("search refresh failed", zap.String("search", q.Search), zap.Error(err))
	}
}

func (s *Search) Feed() *Feed { return s.feed }

// Close stops pending input and the feed.
func (s *Search) Close() {
	s.deb.Stop()
	s.feed.Close()
}
