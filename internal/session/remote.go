package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/backend"
	"github.com/example/anime-watchlist/internal/domain"
)

// Authenticator is the remote side of the session.
type Authenticator interface {
	Register(ctx context.Context, in RegisterInput) (*domain.User, error)
	Login(ctx context.Context, email, password string) (*domain.User, error)
	Logout(ctx context.Context) error
	// Check returns the backend's view of the session. Non-2xx answers
	// come back as *backend.Error.
	Check(ctx context.Context) (*domain.User, error)
	UpdateProfile(ctx context.Context, userID domain.ID, in ProfileUpdate) (*domain.User, error)
	DeleteAccount(ctx context.Context, userID domain.ID) error
	// Forget drops the local credentials.
	Forget()
}

type RegisterInput struct {
	Email          string  `json:"email"`
	Nickname       string  `json:"nickname"`
	Password       string  `json:"password"`
	ProfilePicture *string `json:"profilePicture"`
}

type ProfileUpdate struct {
	Email           string  `json:"email"`
	Nickname        string  `json:"nickname"`
	ProfilePicture  *string `json:"profilePicture,omitempty"`
	CurrentPassword string  `json:"currentPassword,omitempty"`
	NewPassword     string  `json:"newPassword,omitempty"`
}

// Remote talks to /api/auth/* and the profile endpoint.
type Remote struct {
	api *backend.Client
	// legacyProfile targets /api/auth/profile/{id} instead of /api/profile.
	legacyProfile bool
}

func NewRemote(api *backend.Client, legacyProfilePaths bool) *Remote {
	return &Remote{api: api, legacyProfile: legacyProfilePaths}
}

var (
	registerKinds = backend.StatusKinds(apperr.KindValidation, http.StatusBadRequest, http.StatusUnprocessableEntity)
	loginKinds    = backend.StatusKinds(apperr.KindAuthentication, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden)
	profileKinds  = map[int]apperr.Kind{
		http.StatusBadRequest:          apperr.KindValidation,
		http.StatusConflict:            apperr.KindValidation,
		http.StatusUnprocessableEntity: apperr.KindValidation,
		http.StatusUnauthorized:        apperr.KindNotAuthenticated,
		http.StatusNotFound:            apperr.KindNotFound,
	}
	deleteKinds = map[int]apperr.Kind{
		http.StatusUnauthorized: apperr.KindNotAuthenticated,
		backend.AnyStatus:       apperr.KindOperation,
	}
)

func (r *Remote) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	const op = "session.Register"
	var raw json.RawMessage
	if err := r.api.Do(ctx, http.MethodPost, "/api/auth/register", in, &raw); err != nil {
		if be, ok := backend.AsError(err); ok && be.Status == http.StatusConflict {
			msg := be.Message
			if msg == "" {
				msg = "email already registered"
			}
			fields := be.Fields
			if len(fields) == 0 {
				fields = map[string]string{"email": msg}
			}
			return nil, apperr.Validation(op, msg, fields)
		}
		return nil, backend.Classify(op, err, registerKinds)
	}
	return parseUser(op, raw)
}

func (r *Remote) Login(ctx context.Context, email, password string) (*domain.User, error) {
	const op = "session.Login"
	var raw json.RawMessage
	body := map[string]string{"email": email, "password": password}
	if err := r.api.Do(ctx, http.MethodPost, "/api/auth/login", body, &raw); err != nil {
		return nil, backend.Classify(op, err, loginKinds)
	}
	return parseUser(op, raw)
}

func (r *Remote) Logout(ctx context.Context) error {
	if err := r.api.Do(ctx, http.MethodPost, "/api/auth/logout", nil, nil); err != nil {
		return backend.Classify("session.Logout", err, nil)
	}
	return nil
}

func (r *Remote) Check(ctx context.Context) (*domain.User, error) {
	var raw json.RawMessage
	if err := r.api.Do(ctx, http.MethodGet, "/api/auth/check", nil, &raw); err != nil {
		return nil, err
	}
	return parseUser("session.Check", raw)
}

func (r *Remote) UpdateProfile(ctx context.Context, userID domain.ID, in ProfileUpdate) (*domain.User, error) {
	const op = "session.UpdateProfile"
	var raw json.RawMessage
	if err := r.api.Do(ctx, http.MethodPut, r.profilePath(userID), in, &raw); err != nil {
		return nil, backend.Classify(op, err, profileKinds)
	}
	return parseUser(op, raw)
}

func (r *Remote) DeleteAccount(ctx context.Context, userID domain.ID) error {
	if err := r.api.Do(ctx, http.MethodDelete, r.profilePath(userID), nil, nil); err != nil {
		return backend.Classify("session.DeleteAccount", err, deleteKinds)
	}
	return nil
}

func (r *Remote) Forget() {
	r.api.Forget()
}

func (r *Remote) profilePath(userID domain.ID) string {
	if r.legacyProfile {
		return "/api/auth/profile/" + url.PathEscape(userID.String())
	}
	return "/api/profile"
}

// parseUser accepts a bare user object or one wrapped as {"user": {...}}.
func parseUser(op string, raw json.RawMessage) (*domain.User, error) {
	var env struct {
		User *domain.User `json:"user"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.User != nil && env.User.ID != "" {
		return env.User, nil
	}
	var u domain.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, apperr.Operation(op, "malformed user payload", err)
	}
	if u.ID == "" {
		return nil, apperr.Operation(op, "response carries no user", nil)
	}
	return &u, nil
}
