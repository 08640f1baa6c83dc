// Package gateway is the local HTTP surface of the daemon. UIs sign in
// through it, browse the catalog, edit the watchlist and answer
// questionnaires; changes are pushed back over a WebSocket.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/anilist"
	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/platform/analytics"
	"github.com/example/anime-watchlist/internal/platform/auth"
	"github.com/example/anime-watchlist/internal/platform/httpserver"
	"github.com/example/anime-watchlist/internal/platform/signing"
	"github.com/example/anime-watchlist/internal/session"
)

const DefaultEventsTTL = 5 * time.Minute

type Sessions interface {
	Register(ctx context.Context, in session.RegisterInput) (*domain.User, error)
	Login(ctx context.Context, email, password string) (*domain.User, error)
	Logout(ctx context.Context)
	CheckAuth(ctx context.Context) *domain.User
	CurrentUser() *domain.User
	UpdateProfile(ctx context.Context, in session.ProfileUpdate) (*domain.User, error)
	DeleteAccount(ctx context.Context) error
}

type Watchlist interface {
	ItemsByStatus(status domain.WatchStatus) []domain.WatchlistItem
	Loading() bool
	Initialized() bool
	Init(ctx context.Context) error
	FetchAll(ctx context.Context) ([]domain.WatchlistItem, error)
	Add(ctx context.Context, item domain.WatchlistItem) (domain.WatchlistItem, error)
	Update(ctx context.Context, animeID int, patch domain.WatchlistPatch) (domain.WatchlistItem, error)
	Remove(ctx context.Context, animeID int) error
}

type Catalog interface {
	FetchAnime(ctx context.Context, q anilist.Query) (domain.AnimePage, error)
	FetchCategory(ctx context.Context, cat anilist.Category, page int) (domain.AnimePage, error)
	FetchAnimeDetails(ctx context.Context, id int) (domain.AnimeDetails, error)
}

type Questionnaires interface {
	List(ctx context.Context) ([]domain.Questionnaire, error)
	Get(ctx context.Context, id int) (domain.Questionnaire, error)
	Submit(ctx context.Context, id int, answers []domain.Answer) ([]domain.Recommendation, error)
}

type Deps struct {
	Sessions       Sessions
	Watchlist      Watchlist
	Catalog        Catalog
	Questionnaires Questionnaires

	Tokens   auth.Issuer
	Verifier auth.JWTVerifier

	// Signer and Hub back /v1/events. EventsURL overrides the WebSocket
	// URL handed out by /v1/events/token; empty derives it from the request.
	Signer    *signing.Signer
	Hub       *Hub
	EventsURL string
	EventsTTL time.Duration

	// Limiter guards login and register; nil disables limiting.
	Limiter   *RateLimiter
	Analytics *analytics.Publisher
	Logger    *zap.Logger
	ReadyFunc func() error
}

// NewRouter builds the gateway's chi router.
func NewRouter(d Deps) chi.Router {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.EventsTTL <= 0 {
		d.EventsTTL = DefaultEventsTTL
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: d.ReadyFunc, Logger: d.Logger})

	requireUser := auth.RequireUser(d.Verifier, currentSubject(d.Sessions))
	// Logout stays idempotent: any token this gateway signed may end the
	// session, current or not.
	requireToken := auth.RequireUser(d.Verifier, nil)
	limited := func(h http.Handler) http.Handler { return h }
	if d.Limiter != nil {
		limited = d.Limiter.Middleware
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", CheckSession(d.Sessions))
			r.With(limited).Post("/register", Register(d.Sessions, d.Tokens, d.Analytics))
			r.With(limited).Post("/login", Login(d.Sessions, d.Tokens, d.Analytics))
			r.With(requireToken).Post("/logout", Logout(d.Sessions, d.Analytics))
			r.With(requireUser).Post("/refresh", RefreshToken(d.Sessions, d.Tokens))
		})

		r.Route("/catalog", func(r chi.Router) {
			r.Get("/", ListCatalog(d.Catalog, d.Analytics))
			r.Get("/categories/{slug}", ListCategory(d.Catalog))
			r.Get("/{id}", AnimeDetails(d.Catalog, d.Analytics))
		})

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Put("/profile", UpdateProfile(d.Sessions))
			r.Delete("/profile", DeleteAccount(d.Sessions))

			r.Route("/watchlist", func(r chi.Router) {
				r.Get("/", ListWatchlist(d.Watchlist))
				r.Post("/", AddToWatchlist(d.Watchlist, d.Analytics))
				r.Post("/refresh", RefreshWatchlist(d.Watchlist))
				r.Put("/{animeId}", UpdateWatchlist(d.Watchlist, d.Analytics))
				r.Delete("/{animeId}", RemoveFromWatchlist(d.Watchlist, d.Analytics))
			})

			r.Route("/questionnaires", func(r chi.Router) {
				r.Get("/", ListQuestionnaires(d.Questionnaires))
				r.Get("/{id}", GetQuestionnaire(d.Questionnaires))
				r.Post("/{id}/submit", SubmitQuestionnaire(d.Questionnaires, d.Analytics))
			})

			r.Get("/events/token", EventsToken(d.Signer, d.EventsURL, d.EventsTTL))
		})

		r.Get("/events", Events(d.Hub, d.Signer, d.Sessions, d.Logger))
	})
	return r
}

// currentSubject accepts only tokens issued to the signed-in user.
func currentSubject(s Sessions) auth.SubjectCheck {
	return func(_ context.Context, subject string) bool {
		u := s.CurrentUser()
		return u != nil && u.ID.String() == subject
	}
}
