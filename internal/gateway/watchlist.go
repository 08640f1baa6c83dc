package gateway

import (
	"net/http"

	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/platform/analytics"
	"github.com/example/anime-watchlist/internal/platform/api"
	"github.com/example/anime-watchlist/internal/platform/auth"
	"github.com/example/anime-watchlist/internal/platform/httpserver"
)

type watchlistResponse struct {
	Data    []domain.WatchlistItem `json:"data"`
	Loading bool                   `json:"loading"`
}

// ListWatchlist serves the local mirror, loading it on first use.
// ?status= narrows it to one status; ALL or nothing lists every entry.
func ListWatchlist(s Watchlist) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		status, ok := domain.ParseStatusFilter(r.URL.Query().Get("status"))
		if !ok {
			api.BadRequest(w, "INVALID_STATUS", "Invalid status", rid, nil)
			return
		}
		if !s.Initialized() {
			if err := s.Init(r.Context()); err != nil {
				api.WriteAppError(w, rid, err)
				return
			}
		}
		writeItems(w, s.ItemsByStatus(status), s.Loading())
	}
}

func RefreshWatchlist(s Watchlist) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		items, err := s.FetchAll(r.Context())
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}
		writeItems(w, items, s.Loading())
	}
}

func writeItems(w http.ResponseWriter, items []domain.WatchlistItem, loading bool) {
	if items == nil {
		items = []domain.WatchlistItem{}
	}
	api.WriteJSON(w, http.StatusOK, watchlistResponse{Data: items, Loading: loading})
}

func AddToWatchlist(s Watchlist, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		var req domain.WatchlistItem
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		if st, ok := domain.ParseWatchStatus(string(req.Status)); ok {
			req.Status = st
		}

		item, err := s.Add(r.Context(), req)
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}

		uid, _ := auth.UserIDFromContext(r.Context())
		ap.Publish(analytics.SubjectWatchlistAdded, "watchlist_added", uid, map[string]any{
			"anime_id": item.AnimeID,
			"status":   item.Status,
		})
		api.WriteJSON(w, http.StatusCreated, item)
	}
}

func UpdateWatchlist(s Watchlist, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		animeID, ok := intParam(w, r, rid, "animeId")
		if !ok {
			return
		}
		var patch domain.WatchlistPatch
		if !decodeJSON(w, r, rid, &patch) {
			return
		}
		if patch.Status != nil {
			if st, ok := domain.ParseWatchStatus(string(*patch.Status)); ok {
				patch.Status = &st
			}
		}

		item, err := s.Update(r.Context(), animeID, patch)
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}

		uid, _ := auth.UserIDFromContext(r.Context())
		ap.Publish(analytics.SubjectWatchlistUpdated, "watchlist_updated", uid, map[string]any{
			"anime_id": animeID,
			"status":   item.Status,
			"progress": item.Progress,
		})
		api.WriteJSON(w, http.StatusOK, item)
	}
}

func RemoveFromWatchlist(s Watchlist, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		animeID, ok := intParam(w, r, rid, "animeId")
		if !ok {
			return
		}
		if err := s.Remove(r.Context(), animeID); err != nil {
			api.WriteAppError(w, rid, err)
			return
		}

		uid, _ := auth.UserIDFromContext(r.Context())
		ap.Publish(analytics.SubjectWatchlistRemoved, "watchlist_removed", uid, map[string]any{
			"anime_id": animeID,
		})
		w.WriteHeader(http.StatusNoContent)
	}
}
