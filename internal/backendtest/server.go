// Package backendtest runs an in-memory copy of the REST backend: cookie
// sessions, accounts, per-user watchlists and questionnaires. Tests drive
// it through its HTTP surface and inject failures per route.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/anime-watchlist/internal/domain"
)

const SessionCookie = "PHPSESSID"

// Route names used for failure injection and call counts.
const (
	RouteRegister        = "POST /api/auth/register"
	RouteLogin           = "POST /api/auth/login"
	RouteLogout          = "POST /api/auth/logout"
	RouteCheck           = "GET /api/auth/check"
	RouteProfileUpdate   = "PUT /api/profile"
	RouteProfileDelete   = "DELETE /api/profile"
	RouteLegacyUpdate    = "PUT /api/auth/profile/{id}"
	RouteLegacyDelete    = "DELETE /api/auth/profile/{id}"
	RouteWatchlistList   = "GET /api/watchlist"
	RouteWatchlistAdd    = "POST /api/watchlist"
	RouteWatchlistUpdate = "PUT /api/watchlist/{animeId}"
	RouteWatchlistDelete = "DELETE /api/watchlist/{animeId}"
	RouteQuestionnaires  = "GET /api/questionnaires"
	RouteQuestionnaire   = "GET /api/questionnaires/{id}"
	RouteSubmit          = "POST /api/questionnaires/{id}/submit"
)

type account struct {
	user domain.User
	hash []byte
}

// Failure is an injected response. Times bounds how often it fires; zero
// means until cleared.
type Failure struct {
	Status int
	Body   string
	Times  int
}

type Server struct {
	*httptest.Server

	mu             sync.Mutex
	nextID         int
	accounts       map[domain.ID]*account
	emails         map[string]domain.ID
	sessions       map[string]domain.ID
	watchlists     map[domain.ID][]domain.WatchlistItem
	questionnaires []domain.Questionnaire
	recommend      func(answers []domain.Answer) []domain.Recommendation
	failures       map[string]*Failure
	delays         map[string]time.Duration
	calls          map[string]int
	// Canonicalize rewrites watchlist items before they are returned.
	canonicalize func(domain.WatchlistItem) domain.WatchlistItem
	gates        map[string]chan struct{}
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		nextID:     1,
		accounts:   make(map[domain.ID]*account),
		emails:     make(map[string]domain.ID),
		sessions:   make(map[string]domain.ID),
		watchlists: make(map[domain.ID][]domain.WatchlistItem),
		failures:   make(map[string]*Failure),
		delays:     make(map[string]time.Duration),
		calls:      make(map[string]int),
		gates:      make(map[string]chan struct{}),
	}
	s.questionnaires = defaultQuestionnaires()
	s.recommend = defaultRecommendations
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	handle := func(route string, h http.HandlerFunc) {
		method, pattern := splitRoute(route)
		r.Method(method, pattern, s.instrument(route, h))
	}

	handle(RouteRegister, s.register)
	handle(RouteLogin, s.login)
	handle(RouteLogout, s.logout)
	handle(RouteCheck, s.check)
	handle(RouteProfileUpdate, s.updateProfile)
	handle(RouteProfileDelete, s.deleteProfile)
	handle(RouteLegacyUpdate, s.updateProfile)
	handle(RouteLegacyDelete, s.deleteProfile)
	handle(RouteWatchlistList, s.listWatchlist)
	handle(RouteWatchlistAdd, s.addWatchlist)
	handle(RouteWatchlistUpdate, s.updateWatchlist)
	handle(RouteWatchlistDelete, s.deleteWatchlist)
	handle(RouteQuestionnaires, s.listQuestionnaires)
	handle(RouteQuestionnaire, s.getQuestionnaire)
	handle(RouteSubmit, s.submitQuestionnaire)
	return r
}

func splitRoute(route string) (string, string) {
	for i := 0; i < len(route); i++ {
		if route[i] == ' ' {
			return route[:i], route[i+1:]
		}
	}
	return http.MethodGet, route
}

// instrument counts calls, applies latency, gates and injected failures.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[route]++
		delay := s.delays[route]
		gate := s.gates[route]
		var fail *Failure
		if f, ok := s.failures[route]; ok {
			copied := *f
			fail = &copied
			if f.Times > 0 {
				f.Times--
				if f.Times == 0 {
					delete(s.failures, route)
				}
			}
		}
		s.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if fail != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(fail.Status)
			_, _ = w.Write([]byte(fail.Body))
			return
		}
		h(w, r)
	}
}

// ─── test controls ───

// Fail makes route answer status and body until ClearFailures.
func (s *Server) Fail(route string, status int, body string) {
	s.FailTimes(route, status, body, 0)
}

func (s *Server) FailTimes(route string, status int, body string, times int) {
	s.mu.Lock()
	s.failures[route] = &Failure{Status: status, Body: body, Times: times}
	s.mu.Unlock()
}

func (s *Server) ClearFailures() {
	s.mu.Lock()
	s.failures = make(map[string]*Failure)
	s.mu.Unlock()
}

// Delay adds latency to route. Requests abandoned by the client return
// early.
func (s *Server) Delay(route string, d time.Duration) {
	s.mu.Lock()
	s.delays[route] = d
	s.mu.Unlock()
}

// Hold blocks requests to route until the returned release is called.
func (s *Server) Hold(route string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[route] = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.gates, route)
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Canonicalize installs a rewrite applied to watchlist items in
// responses, standing in for server-derived fields.
func (s *Server) Canonicalize(fn func(domain.WatchlistItem) domain.WatchlistItem) {
	s.mu.Lock()
	s.canonicalize = fn
	s.mu.Unlock()
}

// SeedUser creates an account without a session.
func (s *Server) SeedUser(email, nickname, password string) domain.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(email, nickname, nil, hash).user
}

func (s *Server) SeedWatchlist(userID domain.ID, items ...domain.WatchlistItem) {
	s.mu.Lock()
	s.watchlists[userID] = append(s.watchlists[userID], items...)
	s.mu.Unlock()
}

// Watchlist returns the server-side copy of a user's list.
func (s *Server) Watchlist(userID domain.ID) []domain.WatchlistItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WatchlistItem, len(s.watchlists[userID]))
	copy(out, s.watchlists[userID])
	return out
}

// ExpireSessions drops every server-side session.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	s.sessions = make(map[string]domain.ID)
	s.mu.Unlock()
}

func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ─── helpers ───

func (s *Server) createLocked(email, nickname string, picture *string, hash []byte) *account {
	id := domain.ID(strconv.Itoa(s.nextID))
	s.nextID++
	now := domain.Timestamp{Time: time.Now().UTC().Truncate(time.Second)}
	acc := &account{
		user: domain.User{
			ID:             id,
			Email:          email,
			Nickname:       nickname,
			ProfilePicture: picture,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		hash: hash,
	}
	s.accounts[id] = acc
	s.emails[email] = id
	return acc
}

func (s *Server) startSession(w http.ResponseWriter, id domain.ID) {
	sid := uuid.NewString()
	s.sessions[sid] = id
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: sid, Path: "/", HttpOnly: true})
}

// currentLocked resolves the session cookie to an account.
func (s *Server) currentLocked(r *http.Request) (*account, string) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil, ""
	}
	id, ok := s.sessions[c.Value]
	if !ok {
		return nil, ""
	}
	acc, ok := s.accounts[id]
	if !ok {
		return nil, ""
	}
	return acc, c.Value
}

// userJSON renders a user the way the backend does: numeric id and SQL
// timestamps.
func userJSON(u domain.User) map[string]any {
	id, err := strconv.Atoi(u.ID.String())
	var idValue any = u.ID.String()
	if err == nil {
		idValue = id
	}
	return map[string]any{
		"id":             idValue,
		"email":          u.Email,
		"nickname":       u.Nickname,
		"profilePicture": u.ProfilePicture,
		"isVerified":     u.IsVerified,
		"createdAt":      u.CreatedAt.Format("2006-01-02 15:04:05"),
		"updatedAt":      u.UpdatedAt.Format("2006-01-02 15:04:05"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeFields(w http.ResponseWriter, status int, msg string, fields map[string]string) {
	writeJSON(w, status, map[string]any{"message": msg, "errors": fields})
}

func decode(r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(dst)
}
