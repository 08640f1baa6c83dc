package anilist

import (
	"context"
	"time"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/domain"
)

type Category string

const (
	CategoryCurrentSeason Category = "current-season"
	CategoryAllTime       Category = "all-time"
	CategoryTrending      Category = "trending"
	CategoryUpcoming      Category = "upcoming"
	CategoryTopRated      Category = "top-rated"
)

var Categories = []Category{CategoryCurrentSeason, CategoryAllTime, CategoryTrending, CategoryUpcoming, CategoryTopRated}

func ParseCategory(slug string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == slug {
			return c, true
		}
	}
	return "", false
}

func (c Category) Title() string {
	switch c {
	case CategoryCurrentSeason:
		return "Popular this season"
	case CategoryAllTime:
		return "All-time popular"
	case CategoryTrending:
		return "Trending now"
	case CategoryUpcoming:
		return "Upcoming"
	case CategoryTopRated:
		return "Top 100"
	}
	return string(c)
}

// SeasonAt returns the anime season containing t and its year.
func SeasonAt(t time.Time) (domain.Season, int) {
	switch t.Month() {
	case time.January, time.February, time.March:
		return domain.SeasonWinter, t.Year()
	case time.April, time.May, time.June:
		return domain.SeasonSpring, t.Year()
	case time.July, time.August, time.September:
		return domain.SeasonSummer, t.Year()
	default:
		return domain.SeasonFall, t.Year()
	}
}

// CategoryQuery is the listing query behind a category page.
func (c *Client) CategoryQuery(cat Category, page int) Query {
	q := Query{Page: page, PerPage: DefaultPerPage}
	switch cat {
	case CategoryCurrentSeason:
		q.Sort = SortPopular
		q.Season, q.SeasonYear = SeasonAt(c.now())
	case CategoryTrending:
		q.Sort = SortTrending
	case CategoryUpcoming:
		q.Sort = SortUpcoming
	case CategoryTopRated:
		q.Sort = SortTop100
	default:
		q.Sort = SortPopular
	}
	return q.Normalize()
}

func (c *Client) FetchCategory(ctx context.Context, cat Category, page int) (domain.AnimePage, error) {
	if _, ok := ParseCategory(string(cat)); !ok {
		return domain.AnimePage{}, apperr.NotFound("anilist.FetchCategory", "unknown category "+string(cat))
	}
	return c.FetchAnime(ctx, c.CategoryQuery(cat, page))
}
