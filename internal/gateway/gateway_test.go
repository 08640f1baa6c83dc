package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/anime-watchlist/internal/anilist"
	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/backend"
	"github.com/example/anime-watchlist/internal/backendtest"
	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/platform/api"
	"github.com/example/anime-watchlist/internal/platform/auth"
	"github.com/example/anime-watchlist/internal/platform/httpclient"
	"github.com/example/anime-watchlist/internal/platform/signing"
	"github.com/example/anime-watchlist/internal/questionnaire"
	"github.com/example/anime-watchlist/internal/session"
	"github.com/example/anime-watchlist/internal/watchlist"
)

const testSecret = "test-gateway-secret-32-bytes-ok!"

type stubCatalog struct {
	mu      sync.Mutex
	last    anilist.Query
	lastCat anilist.Category
	err     error
}

func (s *stubCatalog) FetchAnime(_ context.Context, q anilist.Query) (domain.AnimePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = q
	if s.err != nil {
		return domain.AnimePage{}, s.err
	}
	return domain.AnimePage{
		Data:     []domain.AnimeSummary{{ID: 1, Title: domain.Title{Romaji: "Cowboy Bebop"}}},
		PageInfo: domain.PageCursor{Page: q.Page, PerPage: q.PerPage, Total: 1, LastPage: 1},
	}, nil
}

func (s *stubCatalog) FetchCategory(ctx context.Context, cat anilist.Category, page int) (domain.AnimePage, error) {
	s.mu.Lock()
	s.lastCat = cat
	s.mu.Unlock()
	return s.FetchAnime(ctx, anilist.Query{Page: page, PerPage: anilist.DefaultPerPage})
}

func (s *stubCatalog) FetchAnimeDetails(_ context.Context, id int) (domain.AnimeDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.AnimeDetails{}, s.err
	}
	return domain.AnimeDetails{AnimeSummary: domain.AnimeSummary{ID: id}}, nil
}

func (s *stubCatalog) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubCatalog) lastQuery() anilist.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type fixture struct {
	backend *backendtest.Server
	catalog *stubCatalog
	mgr     *session.Manager
	hub     *Hub
	srv     *httptest.Server
}

func newFixture(t *testing.T, limiter *RateLimiter) *fixture {
	t.Helper()
	be := backendtest.New(t)
	client := backend.New(be.URL, httpclient.New(httpclient.Config{Timeout: 5 * time.Second}), nil)
	mgr := session.NewManager(session.NewRemote(client, false), session.Options{Markers: session.NewMemoryMarker()})
	store := watchlist.NewStore(watchlist.NewRemote(client), mgr, watchlist.Options{})
	hub := NewHub(nil)
	mgr.AddListener(store.HandleSession)
	mgr.AddListener(hub.HandleSession)
	store.Subscribe(hub.HandleWatchlist)
	t.Cleanup(hub.Close)
	t.Cleanup(store.Close)

	if limiter == nil {
		limiter = NewRateLimiter(100, 100)
	}
	cat := &stubCatalog{}
	router := NewRouter(Deps{
		Sessions:       mgr,
		Watchlist:      store,
		Catalog:        cat,
		Questionnaires: questionnaire.NewClient(client),
		Tokens:         auth.Issuer{Secret: []byte(testSecret), Issuer: "watchlistd"},
		Verifier:       auth.JWTVerifier{Secret: []byte(testSecret), Issuer: "watchlistd"},
		Signer:         signing.New(testSecret),
		Hub:            hub,
		Limiter:        limiter,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &fixture{backend: be, catalog: cat, mgr: mgr, hub: hub, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, status int, code string) api.APIError {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected %d, got %d", status, resp.StatusCode)
	}
	e := decodeBody[api.ErrorResponse](t, resp).Error
	if e.Code != code {
		t.Fatalf("expected code %q, got %q", code, e.Code)
	}
	return e
}

func (f *fixture) login(t *testing.T) (string, *domain.User) {
	t.Helper()
	f.backend.SeedUser("ann@example.com", "ann", "password1")
	resp := f.do(t, http.MethodPost, "/v1/session/login", "", `{"email":"ann@example.com","password":"password1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeBody[authResponse](t, resp)
	if out.Token == "" || out.User == nil {
		t.Fatalf("expected token and user, got %+v", out)
	}
	return out.Token, out.User
}

// ─── Session ───

func TestLogin_IssuesTokenForProtectedRoutes(t *testing.T) {
	f := newFixture(t, nil)
	token, u := f.login(t)
	if u.Nickname != "ann" {
		t.Fatalf("expected nickname ann, got %q", u.Nickname)
	}

	resp := f.do(t, http.MethodGet, "/v1/watchlist", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	list := decodeBody[watchlistResponse](t, resp)
	if list.Data == nil || len(list.Data) != 0 {
		t.Fatalf("expected empty list, got %+v", list.Data)
	}

	expectError(t, f.do(t, http.MethodGet, "/v1/watchlist", "", ""), http.StatusUnauthorized, "UNAUTHORIZED")
	expectError(t, f.do(t, http.MethodGet, "/v1/watchlist", "garbage", ""), http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SeedUser("ann@example.com", "ann", "password1")
	resp := f.do(t, http.MethodPost, "/v1/session/login", "", `{"email":"ann@example.com","password":"wrong-pass"}`)
	expectError(t, resp, http.StatusUnauthorized, "INVALID_CREDENTIALS")
}

func TestLogin_InvalidJSON(t *testing.T) {
	f := newFixture(t, nil)
	expectError(t, f.do(t, http.MethodPost, "/v1/session/login", "", `{`), http.StatusBadRequest, "INVALID_JSON")
}

func TestRegister_ValidationDetails(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPost, "/v1/session/register", "", `{"email":"bob@example.com","nickname":"bob","password":"short"}`)
	e := expectError(t, resp, http.StatusBadRequest, "VALIDATION_FAILED")
	if _, ok := e.Details["password"]; !ok {
		t.Fatalf("expected password detail, got %+v", e.Details)
	}

	resp = f.do(t, http.MethodPost, "/v1/session/register", "", `{"email":"bob@example.com","nickname":"bob","password":"password1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if out := decodeBody[authResponse](t, resp); out.Token == "" || out.ExpiresAt.IsZero() {
		t.Fatalf("expected token with expiry, got %+v", out)
	}
}

func TestLogout_TokenNoLongerMatchesSession(t *testing.T) {
	f := newFixture(t, nil)
	token, _ := f.login(t)

	if resp := f.do(t, http.MethodPost, "/v1/session/logout", token, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	expectError(t, f.do(t, http.MethodGet, "/v1/watchlist", token, ""), http.StatusUnauthorized, "SESSION_MISMATCH")

	// Logging out twice is harmless.
	if resp := f.do(t, http.MethodPost, "/v1/session/logout", token, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	check := decodeBody[sessionResponse](t, f.do(t, http.MethodGet, "/v1/session", "", ""))
	if check.Authenticated || check.User != nil {
		t.Fatalf("expected no session, got %+v", check)
	}
}

func TestRefreshToken(t *testing.T) {
	f := newFixture(t, nil)
	token, u := f.login(t)

	resp := f.do(t, http.MethodPost, "/v1/session/refresh", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeBody[authResponse](t, resp)
	if out.Token == "" || out.Token == token {
		t.Fatal("expected a fresh token")
	}
	if out.User.ID != u.ID {
		t.Fatalf("expected user %s, got %s", u.ID, out.User.ID)
	}
}

func TestLogin_RateLimited(t *testing.T) {
	f := newFixture(t, NewRateLimiter(0.001, 2))
	body := `{"email":"nobody@example.com","password":"password1"}`
	for i := 0; i < 2; i++ {
		if resp := f.do(t, http.MethodPost, "/v1/session/login", "", body); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, resp.StatusCode)
		}
	}
	resp := f.do(t, http.MethodPost, "/v1/session/login", "", body)
	expectError(t, resp, http.StatusTooManyRequests, "RATE_LIMITED")
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

// ─── Profile ───

func TestProfile_UpdateAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	token, _ := f.login(t)

	resp := f.do(t, http.MethodPut, "/v1/profile", token, `{"email":"ann@example.com","nickname":"annie"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if u := f.mgr.CurrentUser(); u == nil || u.Nickname != "annie" {
		t.Fatalf("expected cached nickname annie, got %+v", u)
	}

	resp = f.do(t, http.MethodPut, "/v1/profile", token, `{"email":"not-an-email","nickname":"annie"}`)
	expectError(t, resp, http.StatusBadRequest, "VALIDATION_FAILED")

	if resp := f.do(t, http.MethodDelete, "/v1/profile", token, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if f.mgr.CurrentUser() != nil {
		t.Fatal("expected session cleared after account deletion")
	}
}

// ─── Watchlist ───

func TestWatchlist_CRUD(t *testing.T) {
	f := newFixture(t, nil)
	token, u := f.login(t)

	resp := f.do(t, http.MethodPost, "/v1/watchlist", token, `{"animeId":1,"status":"watching","progress":2}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decodeBody[domain.WatchlistItem](t, resp)
	if created.Status != domain.StatusWatching {
		t.Fatalf("expected WATCHING, got %q", created.Status)
	}

	expectError(t, f.do(t, http.MethodPost, "/v1/watchlist", token, `{"animeId":1,"status":"WATCHING"}`), http.StatusConflict, "ALREADY_EXISTS")
	expectError(t, f.do(t, http.MethodPost, "/v1/watchlist", token, `{"animeId":0,"status":"WATCHING"}`), http.StatusBadRequest, "VALIDATION_FAILED")

	resp = f.do(t, http.MethodPut, "/v1/watchlist/1", token, `{"progress":5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decodeBody[domain.WatchlistItem](t, resp); got.Progress != 5 {
		t.Fatalf("expected progress 5, got %d", got.Progress)
	}
	if remote := f.backend.Watchlist(u.ID); len(remote) != 1 || remote[0].Progress != 5 {
		t.Fatalf("expected backend progress 5, got %+v", remote)
	}

	expectError(t, f.do(t, http.MethodPut, "/v1/watchlist/abc", token, `{"progress":5}`), http.StatusBadRequest, "INVALID_ANIME_ID")
	expectError(t, f.do(t, http.MethodPut, "/v1/watchlist/1", token, `{}`), http.StatusBadRequest, "VALIDATION_FAILED")

	if resp := f.do(t, http.MethodDelete, "/v1/watchlist/1", token, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	expectError(t, f.do(t, http.MethodDelete, "/v1/watchlist/1", token, ""), http.StatusNotFound, "NOT_FOUND")
}

func TestWatchlist_Refresh(t *testing.T) {
	f := newFixture(t, nil)
	token, u := f.login(t)
	f.backend.SeedWatchlist(u.ID,
		domain.WatchlistItem{AnimeID: 7, Status: domain.StatusPlanned},
		domain.WatchlistItem{AnimeID: 8, Status: domain.StatusCompleted, Progress: 12},
	)

	resp := f.do(t, http.MethodPost, "/v1/watchlist/refresh", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decodeBody[watchlistResponse](t, resp); len(got.Data) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got.Data))
	}
}

func TestWatchlist_StatusFilter(t *testing.T) {
	f := newFixture(t, nil)
	token, u := f.login(t)
	f.backend.SeedWatchlist(u.ID,
		domain.WatchlistItem{AnimeID: 7, Status: domain.StatusPlanned},
		domain.WatchlistItem{AnimeID: 8, Status: domain.StatusCompleted, Progress: 12},
		domain.WatchlistItem{AnimeID: 9, Status: domain.StatusOnHold, Progress: 3},
	)

	expectError(t, f.do(t, http.MethodGet, "/v1/watchlist?status=binged", token, ""), http.StatusBadRequest, "INVALID_STATUS")
	if calls := f.backend.Calls(backendtest.RouteWatchlistList); calls != 0 {
		t.Fatalf("expected no backend call for a bad filter, got %d", calls)
	}

	resp := f.do(t, http.MethodGet, "/v1/watchlist?status=completed", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decodeBody[watchlistResponse](t, resp)
	if len(got.Data) != 1 || got.Data[0].AnimeID != 8 {
		t.Fatalf("expected only anime 8, got %+v", got.Data)
	}

	got = decodeBody[watchlistResponse](t, f.do(t, http.MethodGet, "/v1/watchlist?status=on-hold", token, ""))
	if len(got.Data) != 1 || got.Data[0].AnimeID != 9 {
		t.Fatalf("expected only anime 9, got %+v", got.Data)
	}

	for _, q := range []string{"?status=ALL", ""} {
		got = decodeBody[watchlistResponse](t, f.do(t, http.MethodGet, "/v1/watchlist"+q, token, ""))
		if len(got.Data) != 3 {
			t.Fatalf("expected 3 items for %q, got %d", q, len(got.Data))
		}
	}
}

func TestWatchlist_UpstreamFailure(t *testing.T) {
	f := newFixture(t, nil)
	token, _ := f.login(t)
	f.backend.Fail(backendtest.RouteWatchlistList, http.StatusBadGateway, `{"message":"down"}`)

	e := expectError(t, f.do(t, http.MethodGet, "/v1/watchlist", token, ""), http.StatusBadGateway, "UPSTREAM_FAILED")
	if e.Details["retryable"] != true {
		t.Fatalf("expected retryable detail, got %+v", e.Details)
	}
}

// ─── Catalog ───

func TestCatalog_QueryParsing(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/v1/catalog?search=bebop&sort=trending&genres=Drama,Action&genres=Comedy&season=spring&year=1998&format=tv&page=2&perPage=10", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	q := f.catalog.lastQuery()
	if q.Search != "bebop" || q.Sort != anilist.SortTrending || q.Page != 2 || q.PerPage != 10 {
		t.Fatalf("unexpected query %+v", q)
	}
	if strings.Join(q.Genres, ",") != "Action,Comedy,Drama" {
		t.Fatalf("expected sorted genres, got %v", q.Genres)
	}
	if q.Season != domain.SeasonSpring || q.SeasonYear != 1998 || q.Format != domain.Format("TV") {
		t.Fatalf("unexpected season/format %+v", q)
	}

	e := expectError(t, f.do(t, http.MethodGet, "/v1/catalog?page=two", "", ""), http.StatusBadRequest, "VALIDATION_FAILED")
	if _, ok := e.Details["page"]; !ok {
		t.Fatalf("expected page detail, got %+v", e.Details)
	}
}

func TestCatalog_Category(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/v1/catalog/categories/trending?page=3", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decodeBody[categoryResponse](t, resp)
	if got.Category != "trending" || got.Title != anilist.CategoryTrending.Title() || got.PageInfo.Page != 3 {
		t.Fatalf("unexpected category response %+v", got)
	}

	expectError(t, f.do(t, http.MethodGet, "/v1/catalog/categories/nope", "", ""), http.StatusNotFound, "UNKNOWN_CATEGORY")
}

func TestCatalog_ErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperr.Validation("op", "bad", map[string]string{"id": "bad"}), http.StatusBadRequest, "VALIDATION_FAILED"},
		{"authentication", apperr.Authentication("op", "nope"), http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"not authenticated", apperr.NotAuthenticated("op"), http.StatusUnauthorized, "NOT_AUTHENTICATED"},
		{"not found", apperr.NotFound("op", "missing"), http.StatusNotFound, "NOT_FOUND"},
		{"conflict", apperr.Conflict("op", "dup"), http.StatusConflict, "ALREADY_EXISTS"},
		{"timeout", apperr.Timeout("op", context.DeadlineExceeded), http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"},
		{"fetch", apperr.Fetch("op", http.StatusServiceUnavailable, "", nil), http.StatusBadGateway, "UPSTREAM_FAILED"},
		{"graphql", apperr.GraphQL("op", []string{"bad field"}), http.StatusBadGateway, "UPSTREAM_QUERY_FAILED"},
		{"operation", apperr.Operation("op", "failed", nil), http.StatusInternalServerError, "OPERATION_FAILED"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	f := newFixture(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.catalog.fail(tt.err)
			expectError(t, f.do(t, http.MethodGet, "/v1/catalog/21", "", ""), tt.status, tt.code)
		})
	}
}

// ─── Questionnaires ───

func TestQuestionnaires_ListGetSubmit(t *testing.T) {
	f := newFixture(t, nil)
	token, _ := f.login(t)

	list := decodeBody[listResponse[domain.Questionnaire]](t, f.do(t, http.MethodGet, "/v1/questionnaires", token, ""))
	if len(list.Data) != 2 {
		t.Fatalf("expected 2 questionnaires, got %d", len(list.Data))
	}

	q := decodeBody[domain.Questionnaire](t, f.do(t, http.MethodGet, "/v1/questionnaires/2", token, ""))
	if len(q.Questions) != 1 || q.QuestionCount != 1 {
		t.Fatalf("unexpected questionnaire %+v", q)
	}

	resp := f.do(t, http.MethodPost, "/v1/questionnaires/2/submit", token, `{"answers":[{"questionId":21,"optionId":201}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if recs := decodeBody[listResponse[domain.Recommendation]](t, resp); len(recs.Data) == 0 {
		t.Fatal("expected recommendations")
	}

	expectError(t, f.do(t, http.MethodPost, "/v1/questionnaires/2/submit", token, `{"answers":[]}`), http.StatusBadRequest, "VALIDATION_FAILED")
	expectError(t, f.do(t, http.MethodGet, "/v1/questionnaires/99", token, ""), http.StatusNotFound, "NOT_FOUND")
}

// ─── Events ───

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (f *fixture) eventsURL(t *testing.T, token string) string {
	t.Helper()
	resp := f.do(t, http.MethodGet, "/v1/events/token", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeBody[eventsTokenResponse](t, resp)
	if !strings.HasPrefix(out.URL, "ws://") {
		t.Fatalf("expected ws URL, got %q", out.URL)
	}
	return out.URL
}

func readFrame(t *testing.T, conn *websocket.Conn) (wsFrame, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var fr wsFrame
	err := conn.ReadJSON(&fr)
	return fr, err
}

func TestEvents_StreamsWatchlistChangesUntilLogout(t *testing.T) {
	f := newFixture(t, nil)
	token, u := f.login(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.eventsURL(t, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello, err := readFrame(t, conn)
	if err != nil || hello.Type != MessageSession {
		t.Fatalf("expected session hello, got %+v (%v)", hello, err)
	}
	var sd sessionData
	_ = json.Unmarshal(hello.Data, &sd)
	if sd.User == nil || sd.User.ID != u.ID {
		t.Fatalf("expected hello for %s, got %+v", u.ID, sd.User)
	}

	if resp := f.do(t, http.MethodPost, "/v1/watchlist", token, `{"animeId":5,"status":"PLANNED"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	for {
		fr, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("expected watchlist event: %v", err)
		}
		if fr.Type != MessageWatchlist {
			continue
		}
		var ev watchlist.Event
		_ = json.Unmarshal(fr.Data, &ev)
		if ev.Type == watchlist.EventAdded {
			if ev.AnimeID != 5 || ev.Count != 1 {
				t.Fatalf("unexpected added event %+v", ev)
			}
			break
		}
	}

	f.do(t, http.MethodPost, "/v1/session/logout", token, "")
	for {
		if _, err := readFrame(t, conn); err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("expected policy close, got %v", err)
			}
			break
		}
	}
	if f.hub.Len() != 0 {
		t.Fatalf("expected no clients, got %d", f.hub.Len())
	}
}

func TestEvents_RejectsBadSignatures(t *testing.T) {
	f := newFixture(t, nil)
	token, _ := f.login(t)
	raw := f.eventsURL(t, token)

	u, _ := url.Parse(raw)
	q := u.Query()
	q.Set("uid", "someone-else")
	u.RawQuery = q.Encode()
	u.Scheme = "http"
	expectError(t, f.do(t, http.MethodGet, u.RequestURI(), "", ""), http.StatusUnauthorized, "UNAUTHORIZED")
	expectError(t, f.do(t, http.MethodGet, "/v1/events", "", ""), http.StatusUnauthorized, "UNAUTHORIZED")

	f.mgr.Logout(context.Background())
	u, _ = url.Parse(raw)
	expectError(t, f.do(t, http.MethodGet, u.RequestURI(), "", ""), http.StatusUnauthorized, "SESSION_MISMATCH")
}

func TestEventsToken_RequiresCurrentUser(t *testing.T) {
	f := newFixture(t, nil)
	expectError(t, f.do(t, http.MethodGet, "/v1/events/token", "", ""), http.StatusUnauthorized, "UNAUTHORIZED")
}

// ─── Rate limiter ───

func TestRateLimiter_AllowsBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3) // 1/s, burst 3
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request from another port: expected 429, got %d", rec.Code)
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") {
		t.Fatal("expected first request allowed")
	}
	if rl.allow("a") {
		t.Fatal("expected second request limited")
	}
	now = now.Add(time.Second)
	if !rl.allow("a") {
		t.Fatal("expected request allowed after refill")
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }
	rl.allow("a")
	now = now.Add(2 * idleBucketTTL)
	rl.allow("b")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.buckets["a"]; ok {
		t.Fatal("expected idle bucket to be evicted")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:4321"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected 10.0.0.1, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected 203.0.113.9, got %q", got)
	}
}
