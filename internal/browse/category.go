package browse

import (
	"context"

	"github.com/example/anime-watchlist/internal/anilist"
)

// CategorySource knows the query behind each category preset.
type CategorySource interface {
	Fetcher
	CategoryQuery(cat anilist.Category, page int) anilist.Query
}

// CategoryFeed is a Feed fixed to one category.
type CategoryFeed struct {
	*Feed
	Category anilist.Category
	src      CategorySource
}

func NewCategoryFeed(src CategorySource, cat anilist.Category, opts ...FeedOption) *CategoryFeed {
	return &CategoryFeed{Feed: NewFeed(src, opts...), Category: cat, src: src}
}

// Load fetches the category's first page. The query is rebuilt on every
// call so season-bound categories follow the calendar.
func (c *CategoryFeed) Load(ctx context.Context) error {
	return c.Reset(ctx, c.src.CategoryQuery(c.Category, 1))
}

func (c *CategoryFeed) Title() string { return c.Category.Title() }
