package gateway

import (
	"net/http"
	"strings"

	"github.com/example/anime-watchlist/internal/platform/api"
	"github.com/example/anime-watchlist/internal/platform/httpserver"
	"github.com/example/anime-watchlist/internal/session"
)

type userResponse struct {
	User any `json:"user"`
}

func UpdateProfile(s Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		var req session.ProfileUpdate
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		req.Email = strings.TrimSpace(req.Email)
		req.Nickname = strings.TrimSpace(req.Nickname)

		u, err := s.UpdateProfile(r.Context(), req)
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, userResponse{User: u})
	}
}

func DeleteAccount(s Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		if err := s.DeleteAccount(r.Context()); err != nil {
			api.WriteAppError(w, rid, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
