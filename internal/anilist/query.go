package anilist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/example/anime-watchlist/internal/domain"
)

const (
	DefaultPerPage = 20
	// MaxPerPage is the largest page AniList serves.
	MaxPerPage = 50
)

type Sort string

const (
	SortPopular  Sort = "popular"
	SortTrending Sort = "trending"
	SortTop100   Sort = "top_100"
	SortUpcoming Sort = "upcoming"
)

// ParseSort maps user input to a Sort. Unknown and empty values mean
// popular.
func ParseSort(s string) Sort {
	switch Sort(strings.ToLower(strings.TrimSpace(s))) {
	case SortTrending:
		return SortTrending
	case SortTop100:
		return SortTop100
	case SortUpcoming:
		return SortUpcoming
	default:
		return SortPopular
	}
}

func (s Sort) mediaSort(searching bool) []string {
	var out []string
	if searching {
		out = append(out, "SEARCH_MATCH")
	}
	switch s {
	case SortTrending:
		return append(out, "TRENDING_DESC", "POPULARITY_DESC")
	case SortTop100:
		return append(out, "SCORE_DESC")
	default:
		return append(out, "POPULARITY_DESC")
	}
}

// Query describes one catalog listing request. The zero value lists the
// first page of popular anime.
type Query struct {
	Page       int
	PerPage    int
	Search     string
	Sort       Sort
	Genres     []string
	Season     domain.Season
	SeasonYear int
	Format     domain.Format
}

// Normalize applies defaults and drops values AniList would reject.
func (q Query) Normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.PerPage < 1:
		q.PerPage = DefaultPerPage
	case q.PerPage > MaxPerPage:
		q.PerPage = MaxPerPage
	}
	q.Search = strings.TrimSpace(q.Search)
	q.Sort = ParseSort(string(q.Sort))
	q.Genres = normalizeGenres(q.Genres)
	q.Season = domain.Season(strings.ToUpper(string(q.Season)))
	if !q.Season.Valid() {
		q.Season = ""
	}
	if q.SeasonYear < 0 {
		q.SeasonYear = 0
	}
	q.Format = domain.Format(strings.ToUpper(string(q.Format)))
	if !q.Format.Known() {
		q.Format = ""
	}
	return q
}

func normalizeGenres(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, g := range in {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Filter is the part of a query that selects results, without the page.
// Two queries with equal filters list the same result set.
func (q Query) Filter() string {
	n := q.Normalize()
	return strings.Join([]string{
		n.Search,
		string(n.Sort),
		strings.Join(n.Genres, ","),
		string(n.Season),
		strconv.Itoa(n.SeasonYear),
		string(n.Format),
		strconv.Itoa(n.PerPage),
	}, "|")
}

// WithPage returns a copy of q asking for page.
func (q Query) WithPage(page int) Query {
	q.Page = page
	return q
}

const mediaFields = `id title { romaji english native } coverImage { large color } averageScore genres isAdult format`

// build renders the GraphQL document for a normalized query. Only the
// variables actually used are declared and sent.
func (q Query) build() (string, map[string]any) {
	vars := map[string]any{
		"page":    q.Page,
		"perPage": q.PerPage,
		"sort":    q.Sort.mediaSort(q.Search != ""),
	}
	decls := []string{"$page: Int", "$perPage: Int", "$sort: [MediaSort]"}
	args := []string{"type: ANIME", "sort: $sort", "isAdult: false"}

	if q.Search != "" {
		decls = append(decls, "$search: String")
		args = append(args, "search: $search")
		vars["search"] = q.Search
	}
	if len(q.Genres) > 0 {
		decls = append(decls, "$genres: [String]")
		args = append(args, "genre_in: $genres")
		vars["genres"] = q.Genres
	}
	if q.Season != "" {
		decls = append(decls, "$season: MediaSeason")
		args = append(args, "season: $season")
		vars["season"] = string(q.Season)
	}
	if q.SeasonYear > 0 {
		decls = append(decls, "$seasonYear: Int")
		args = append(args, "seasonYear: $seasonYear")
		vars["seasonYear"] = q.SeasonYear
	}
	if q.Format != "" {
		decls = append(decls, "$format: MediaFormat")
		args = append(args, "format: $format")
		vars["format"] = string(q.Format)
	}
	if q.Sort == SortUpcoming {
		args = append(args, "status: NOT_YET_RELEASED")
	}

	doc := fmt.Sprintf(
		`query (%s) { Page(page: $page, perPage: $perPage) { pageInfo { total perPage currentPage lastPage hasNextPage } media(%s) { %s } } }`,
		strings.Join(decls, ", "), strings.Join(args, ", "), mediaFields)
	return doc, vars
}
