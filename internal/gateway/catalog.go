package gateway

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/anime-watchlist/internal/anilist"
	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/platform/analytics"
	"github.com/example/anime-watchlist/internal/platform/api"
	"github.com/example/anime-watchlist/internal/platform/auth"
	"github.com/example/anime-watchlist/internal/platform/httpserver"
)

type categoryResponse struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	domain.AnimePage
}

// parseCatalogQuery reads the listing filters. Genres may be repeated or
// comma separated.
func parseCatalogQuery(v url.Values) (anilist.Query, error) {
	fields := map[string]string{}
	num := func(name string) int {
		raw := strings.TrimSpace(v.Get(name))
		if raw == "" {
			return 0
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fields[name] = "must be a non-negative integer"
			return 0
		}
		return n
	}

	q := anilist.Query{
		Search:     v.Get("search"),
		Sort:       anilist.Sort(v.Get("sort")),
		Season:     domain.Season(v.Get("season")),
		Format:     domain.Format(v.Get("format")),
		Page:       num("page"),
		PerPage:    num("perPage"),
		SeasonYear: num("year"),
	}
	for _, g := range v["genres"] {
		q.Genres = append(q.Genres, strings.Split(g, ",")...)
	}
	if len(fields) > 0 {
		return anilist.Query{}, apperr.Validation("catalog.query", "invalid catalog query", fields)
	}
	return q.Normalize(), nil
}

func ListCatalog(c Catalog, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		q, err := parseCatalogQuery(r.URL.Query())
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}
		page, err := c.FetchAnime(r.Context(), q)
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}

		if q.Search != "" {
			uid, _ := auth.UserIDFromContext(r.Context())
			ap.Publish(analytics.SubjectCatalogSearched, "catalog_searched", uid, map[string]any{
				"search":  q.Search,
				"page":    q.Page,
				"results": len(page.Data),
			})
		}
		api.WriteJSON(w, http.StatusOK, page)
	}
}

func ListCategory(c Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		cat, ok := anilist.ParseCategory(chi.URLParam(r, "slug"))
		if !ok {
			api.NotFound(w, "UNKNOWN_CATEGORY", "Unknown category", rid)
			return
		}
		page := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				api.BadRequest(w, "INVALID_PAGE", "Invalid page", rid, nil)
				return
			}
			page = n
		}

		res, err := c.FetchCategory(r.Context(), cat, page)
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, categoryResponse{Category: string(cat), Title: cat.Title(), AnimePage: res})
	}
}

func AnimeDetails(c Catalog, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		id, ok := intParam(w, r, rid, "id")
		if !ok {
			return
		}
		details, err := c.FetchAnimeDetails(r.Context(), id)
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}

		uid, _ := auth.UserIDFromContext(r.Context())
		ap.Publish(analytics.SubjectCatalogAnimeViewed, "anime_viewed", uid, map[string]any{
			"anime_id": id,
		})
		api.WriteJSON(w, http.StatusOK, details)
	}
}
