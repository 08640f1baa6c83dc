package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/platform/analytics"
	"github.com/example/anime-watchlist/internal/platform/api"
	"github.com/example/anime-watchlist/internal/platform/auth"
	"github.com/example/anime-watchlist/internal/platform/httpserver"
	"github.com/example/anime-watchlist/internal/session"
)

type registerRequest struct {
	Email          string  `json:"email"`
	Nickname       string  `json:"nickname"`
	Password       string  `json:"password"`
	ProfilePicture *string `json:"profilePicture"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User      *domain.User `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

type sessionResponse struct {
	Authenticated bool         `json:"authenticated"`
	User          *domain.User `json:"user"`
}

func Register(s Sessions, tokens auth.Issuer, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		var req registerRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}

		u, err := s.Register(r.Context(), session.RegisterInput{
			Email:          strings.TrimSpace(req.Email),
			Nickname:       strings.TrimSpace(req.Nickname),
			Password:       req.Password,
			ProfilePicture: req.ProfilePicture,
		})
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}

		ap.Publish(analytics.SubjectSessionRegistered, "user_registered", u.ID.String(), map[string]any{
			"nickname": u.Nickname,
		})
		writeAuth(w, rid, http.StatusCreated, tokens, u)
	}
}

func Login(s Sessions, tokens auth.Issuer, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		var req loginRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}

		u, err := s.Login(r.Context(), strings.TrimSpace(req.Email), req.Password)
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}

		ap.Publish(analytics.SubjectSessionLoggedIn, "user_logged_in", u.ID.String(), nil)
		writeAuth(w, rid, http.StatusOK, tokens, u)
	}
}

// Logout always succeeds; the remote call finishes even if the client
// hangs up.
func Logout(s Sessions, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := auth.UserIDFromContext(r.Context())
		s.Logout(context.WithoutCancel(r.Context()))
		ap.Publish(analytics.SubjectSessionLoggedOut, "user_logged_out", uid, nil)
		w.WriteHeader(http.StatusNoContent)
	}
}

// CheckSession probes the backend. It never fails; an absent session is
// reported as authenticated=false.
func CheckSession(s Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := s.CheckAuth(r.Context())
		api.WriteJSON(w, http.StatusOK, sessionResponse{Authenticated: u != nil, User: u})
	}
}

// RefreshToken issues a fresh token to the holder of a current one.
func RefreshToken(s Sessions, tokens auth.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		u := s.CurrentUser()
		if u == nil {
			api.Unauthorized(w, "NOT_AUTHENTICATED", "Not signed in", rid)
			return
		}
		writeAuth(w, rid, http.StatusOK, tokens, u)
	}
}

func writeAuth(w http.ResponseWriter, rid string, status int, tokens auth.Issuer, u *domain.User) {
	tok, exp, err := tokens.Issue(u.ID.String(), u.Nickname)
	if err != nil {
		api.Internal(w, rid)
		return
	}
	api.WriteJSON(w, status, authResponse{User: u, Token: tok, ExpiresAt: exp})
}
