package watchlist

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/backend"
	"github.com/example/anime-watchlist/internal/backendtest"
	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/platform/httpclient"
	"github.com/example/anime-watchlist/internal/session"
)

type fixture struct {
	srv   *backendtest.Server
	mgr   *session.Manager
	store *Store
	user  *domain.User
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	srv := backendtest.New(t)
	api := backend.New(srv.URL, httpclient.New(httpclient.Config{Timeout: 5 * time.Second}), nil)
	mgr := session.NewManager(session.NewRemote(api, false), session.Options{Markers: session.NewMemoryMarker()})
	store := NewStore(NewRemote(api), mgr, opts)
	mgr.AddListener(store.HandleSession)
	t.Cleanup(store.Close)
	return &fixture{srv: srv, mgr: mgr, store: store}
}

func (f *fixture) login(t *testing.T) *domain.User {
	t.Helper()
	f.srv.SeedUser("ann@example.com", "ann", "password1")
	u, err := f.mgr.Login(context.Background(), "ann@example.com", "password1")
	require.NoError(t, err)
	f.user = u
	return u
}

func item(id int) domain.WatchlistItem {
	return domain.WatchlistItem{AnimeID: id, Status: domain.StatusWatching, Progress: 1}
}

func ptr[T any](v T) *T { return &v }

func waitCalls(t *testing.T, srv *backendtest.Server, route string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Calls(route) >= n }, 2*time.Second, 5*time.Millisecond)
}

// assertMirrorsServer checks that anime ids are unique locally and that the
// local collection matches the backend's.
func assertMirrorsServer(t *testing.T, f *fixture) {
	t.Helper()
	local := f.store.Items()
	seen := make(map[int]bool, len(local))
	for _, it := range local {
		require.False(t, seen[it.AnimeID], "duplicate anime %d", it.AnimeID)
		seen[it.AnimeID] = true
	}
	assert.ElementsMatch(t, f.srv.Watchlist(f.user.ID), local)
}

// ─── authentication ───

func TestStore_RequiresSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.FetchAll(ctx)
	assert.True(t, apperr.Is(err, apperr.KindNotAuthenticated))
	_, err = f.store.Add(ctx, item(1))
	assert.True(t, apperr.Is(err, apperr.KindNotAuthenticated))
	_, err = f.store.Update(ctx, 1, domain.WatchlistPatch{Progress: ptr(2)})
	assert.True(t, apperr.Is(err, apperr.KindNotAuthenticated))
	assert.True(t, apperr.Is(f.store.Remove(ctx, 1), apperr.KindNotAuthenticated))
	assert.True(t, apperr.Is(f.store.Init(ctx), apperr.KindNotAuthenticated))

	assert.Zero(t, f.srv.Calls(backendtest.RouteWatchlistList))
	assert.Zero(t, f.srv.Calls(backendtest.RouteWatchlistAdd))
}

func TestStore_LogoutClearsCollection(t *testing.T) {
	f := newFixture(t, Options{})
	u := f.login(t)
	f.srv.SeedWatchlist(u.ID, item(1), item(2))
	require.NoError(t, f.store.Init(context.Background()))
	require.Len(t, f.store.Items(), 2)

	f.mgr.Logout(context.Background())

	assert.Empty(t, f.store.Items())
	assert.False(t, f.store.Initialized())
}

// ─── FetchAll / Init ───

func TestFetchAll_DedupesLastWins(t *testing.T) {
	f := newFixture(t, Options{})
	u := f.login(t)
	first := item(7)
	last := item(7)
	last.Progress = 12
	f.srv.SeedWatchlist(u.ID, first, item(3), last)

	got, err := f.store.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 7, got[0].AnimeID)
	assert.Equal(t, 12, got[0].Progress)
	assert.Equal(t, 3, got[1].AnimeID)
}

func TestFetchAll_SessionChangeDiscardsResult(t *testing.T) {
	f := newFixture(t, Options{})
	u := f.login(t)
	f.srv.SeedWatchlist(u.ID, item(1))
	release := f.srv.Hold(backendtest.RouteWatchlistList)

	done := make(chan error, 1)
	go func() {
		_, err := f.store.FetchAll(context.Background())
		done <- err
	}()
	waitCalls(t, f.srv, backendtest.RouteWatchlistList, 1)

	f.store.HandleSession(&domain.User{ID: "someone-else"})
	release()

	err := <-done
	assert.True(t, apperr.Is(err, apperr.KindNotAuthenticated), "got %v", err)
	assert.Empty(t, f.store.Items())
	assert.False(t, f.store.Loading())
}

func TestInit_ConcurrentCallsReachRemoteOnce(t *testing.T) {
	f := newFixture(t, Options{})
	u := f.login(t)
	f.srv.SeedWatchlist(u.ID, item(1))
	release := f.srv.Hold(backendtest.RouteWatchlistList)

	done := make(chan error, 1)
	go func() { done <- f.store.Init(context.Background()) }()
	waitCalls(t, f.srv, backendtest.RouteWatchlistList, 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.store.Init(context.Background()))
		}()
	}
	wg.Wait()
	release()
	require.NoError(t, <-done)

	require.NoError(t, f.store.Init(context.Background()))
	assert.Equal(t, 1, f.srv.Calls(backendtest.RouteWatchlistList))
	assert.True(t, f.store.Initialized())
	assert.Len(t, f.store.Items(), 1)
}

func TestInit_RetryableAfterFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	f.srv.FailTimes(backendtest.RouteWatchlistList, http.StatusBadGateway, `{"message":"upstream"}`, 1)

	err := f.store.Init(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
	assert.False(t, f.store.Initialized())
	assert.Equal(t, err, f.store.Err())

	require.NoError(t, f.store.Init(context.Background()))
	assert.True(t, f.store.Initialized())
	assert.NoError(t, f.store.Err())
}

func TestStore_TimeoutIsRetryableAndResetsLoading(t *testing.T) {
	f := newFixture(t, Options{Timeout: 80 * time.Millisecond})
	f.login(t)
	f.srv.Delay(backendtest.RouteWatchlistList, time.Second)

	_, err := f.store.FetchAll(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTimeout), "got %v", err)
	assert.True(t, apperr.Retryable(err))
	assert.False(t, f.store.Loading())
}

// ─── Add ───

func TestAdd_AppendsServerItem(t *testing.T) {
	f := newFixture(t, Options{})
	u := f.login(t)

	in := item(5)
	in.AnimeTitle = ptr("Mushishi")
	got, err := f.store.Add(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Mushishi", *got.AnimeTitle)

	stored, ok := f.store.Get(5)
	require.True(t, ok)
	assert.Equal(t, domain.StatusWatching, stored.Status)
	assert.Len(t, f.srv.Watchlist(u.ID), 1)
}

func TestAdd_LocalDuplicateIsConflictWithoutIO(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	_, err := f.store.Add(context.Background(), item(5))
	require.NoError(t, err)

	_, err = f.store.Add(context.Background(), item(5))
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, 1, f.srv.Calls(backendtest.RouteWatchlistAdd))
	assert.Len(t, f.store.Items(), 1)
}

func TestAdd_RemoteConflict(t *testing.T) {
	f := newFixture(t, Options{})
	u := f.login(t)
	f.srv.SeedWatchlist(u.ID, item(5))

	_, err := f.store.Add(context.Background(), item(5))
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Empty(t, f.store.Items())
}

func TestAdd_InvalidItemSkipsNetwork(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)

	_, err := f.store.Add(context.Background(), domain.WatchlistItem{AnimeID: 1, Status: "BINGING"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Zero(t, f.srv.Calls(backendtest.RouteWatchlistAdd))
}

// ─── Update ───

func TestUpdate_AbsentKeyIsNotFoundWithoutIO(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)

	_, err := f.store.Update(context.Background(), 99, domain.WatchlistPatch{Progress: ptr(3)})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Zero(t, f.srv.Calls(backendtest.RouteWatchlistUpdate))
}

func TestUpdate_MergeKeepsLocalOnlyFields(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	in := item(5)
	in.AnimeTitle = ptr("Mushishi")
	_, err := f.store.Add(context.Background(), in)
	require.NoError(t, err)

	// The server knows nothing about titles and adds a score of its own.
	f.srv.Canonicalize(func(it domain.WatchlistItem) domain.WatchlistItem {
		it.AnimeTitle = nil
		it.Score = ptr(80)
		return it
	})
	got, err := f.store.Update(context.Background(), 5, domain.WatchlistPatch{Progress: ptr(9)})
	require.NoError(t, err)

	assert.Equal(t, 9, got.Progress)
	require.NotNil(t, got.Score)
	assert.Equal(t, 80, *got.Score)
	require.NotNil(t, got.AnimeTitle)
	assert.Equal(t, "Mushishi", *got.AnimeTitle)

	stored, _ := f.store.Get(5)
	assert.Equal(t, got, stored)
}

func TestUpdate_RemoteNotFoundDropsEntry(t *testing.T) {
	f := newFixture(t, Options{})
	u := f.login(t)
	f.srv.SeedWatchlist(u.ID, item(5))
	_, err := f.store.FetchAll(context.Background())
	require.NoError(t, err)
	f.srv.Fail(backendtest.RouteWatchlistUpdate, http.StatusNotFound, `{"message":"Anime not in watchlist"}`)

	_, err = f.store.Update(context.Background(), 5, domain.WatchlistPatch{Progress: ptr(2)})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, ok := f.store.Get(5)
	assert.False(t, ok)
}

func TestUpdate_SupersededResponseNotApplied(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	_, err := f.store.Add(context.Background(), item(5))
	require.NoError(t, err)

	f.srv.Delay(backendtest.RouteWatchlistUpdate, 300*time.Millisecond)
	done := make(chan error, 1)
	go func() {
		_, err := f.store.Update(context.Background(), 5, domain.WatchlistPatch{Status: ptr(domain.StatusCompleted)})
		done <- err
	}()
	waitCalls(t, f.srv, backendtest.RouteWatchlistUpdate, 1)

	f.srv.Delay(backendtest.RouteWatchlistUpdate, 0)
	latest, err := f.store.Update(context.Background(), 5, domain.WatchlistPatch{Progress: ptr(7)})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWatching, latest.Status)

	require.NoError(t, <-done)
	stored, _ := f.store.Get(5)
	assert.Equal(t, domain.StatusWatching, stored.Status)
	assert.Equal(t, 7, stored.Progress)
}

func TestUpdate_ResponseWithoutProgressKeepsLocal(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	in := item(5)
	in.Progress = 7
	_, err := f.store.Add(context.Background(), in)
	require.NoError(t, err)
	f.srv.FailTimes(backendtest.RouteWatchlistUpdate, http.StatusOK, `{"item":{"animeId":5,"status":"COMPLETED"}}`, 1)

	got, err := f.store.Update(context.Background(), 5, domain.WatchlistPatch{Status: ptr(domain.StatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 7, got.Progress)

	stored, _ := f.store.Get(5)
	assert.Equal(t, 7, stored.Progress)
}

// ─── Remove ───

func TestRemove_AbsentKeyIsNotFoundWithoutIO(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)

	assert.True(t, apperr.Is(f.store.Remove(context.Background(), 3), apperr.KindNotFound))
	assert.Zero(t, f.srv.Calls(backendtest.RouteWatchlistDelete))
}

func TestRemove_FailureKeepsEntry(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	_, err := f.store.Add(context.Background(), item(5))
	require.NoError(t, err)
	f.srv.FailTimes(backendtest.RouteWatchlistDelete, http.StatusInternalServerError, `{"message":"boom"}`, 1)

	err = f.store.Remove(context.Background(), 5)
	assert.True(t, apperr.Is(err, apperr.KindFetch))
	_, ok := f.store.Get(5)
	assert.True(t, ok)

	require.NoError(t, f.store.Remove(context.Background(), 5))
	_, ok = f.store.Get(5)
	assert.False(t, ok)
}

// ─── interleaving ───

func TestAdd_InFlightSameKeyConflictsWithoutIO(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	release := f.srv.Hold(backendtest.RouteWatchlistAdd)

	done := make(chan error, 1)
	go func() {
		_, err := f.store.Add(context.Background(), item(42))
		done <- err
	}()
	waitCalls(t, f.srv, backendtest.RouteWatchlistAdd, 1)

	_, err := f.store.Add(context.Background(), item(42))
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, 1, f.srv.Calls(backendtest.RouteWatchlistAdd))

	release()
	require.NoError(t, <-done)
	_, ok := f.store.Get(42)
	assert.True(t, ok)
	assertMirrorsServer(t, f)
}

func TestAdd_FailedAddReleasesKey(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	f.srv.FailTimes(backendtest.RouteWatchlistAdd, http.StatusInternalServerError, `{"message":"boom"}`, 1)

	_, err := f.store.Add(context.Background(), item(42))
	require.Error(t, err)
	_, err = f.store.Add(context.Background(), item(42))
	require.NoError(t, err)
	assertMirrorsServer(t, f)
}

func TestUpdate_FailedLaterRequestDoesNotShadowSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	_, err := f.store.Add(context.Background(), item(5))
	require.NoError(t, err)
	release := f.srv.Hold(backendtest.RouteWatchlistUpdate)

	okDone := make(chan error, 1)
	go func() {
		_, err := f.store.Update(context.Background(), 5, domain.WatchlistPatch{Progress: ptr(9)})
		okDone <- err
	}()
	waitCalls(t, f.srv, backendtest.RouteWatchlistUpdate, 1)

	f.srv.FailTimes(backendtest.RouteWatchlistUpdate, http.StatusBadRequest, `{"message":"Invalid status"}`, 1)
	failDone := make(chan error, 1)
	go func() {
		_, err := f.store.Update(context.Background(), 5, domain.WatchlistPatch{Status: ptr(domain.StatusDropped)})
		failDone <- err
	}()
	waitCalls(t, f.srv, backendtest.RouteWatchlistUpdate, 2)

	release()
	require.NoError(t, <-okDone)
	assert.True(t, apperr.Is(<-failDone, apperr.KindValidation))

	stored, _ := f.store.Get(5)
	assert.Equal(t, 9, stored.Progress)
	assert.Equal(t, domain.StatusWatching, stored.Status)
	assertMirrorsServer(t, f)
}

func TestUpdate_SuccessArrivingAfterFailureIsApplied(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	_, err := f.store.Add(context.Background(), item(5))
	require.NoError(t, err)

	f.srv.Delay(backendtest.RouteWatchlistUpdate, 300*time.Millisecond)
	okDone := make(chan error, 1)
	go func() {
		_, err := f.store.Update(context.Background(), 5, domain.WatchlistPatch{Progress: ptr(9)})
		okDone <- err
	}()
	waitCalls(t, f.srv, backendtest.RouteWatchlistUpdate, 1)

	f.srv.Delay(backendtest.RouteWatchlistUpdate, 0)
	f.srv.FailTimes(backendtest.RouteWatchlistUpdate, http.StatusInternalServerError, `{"message":"boom"}`, 1)
	_, err = f.store.Update(context.Background(), 5, domain.WatchlistPatch{Progress: ptr(11)})
	require.Error(t, err)

	require.NoError(t, <-okDone)
	stored, _ := f.store.Get(5)
	assert.Equal(t, 9, stored.Progress)
	assertMirrorsServer(t, f)
}

func TestRemove_ConcurrentUpdateSettlesToServerState(t *testing.T) {
	for _, updateFirst := range []bool{false, true} {
		name := "remove lands first"
		if updateFirst {
			name = "update lands first"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.login(t)
			_, err := f.store.Add(context.Background(), item(5))
			require.NoError(t, err)

			releaseRemove := f.srv.Hold(backendtest.RouteWatchlistDelete)
			removeDone := make(chan error, 1)
			go func() { removeDone <- f.store.Remove(context.Background(), 5) }()
			waitCalls(t, f.srv, backendtest.RouteWatchlistDelete, 1)

			releaseUpdate := f.srv.Hold(backendtest.RouteWatchlistUpdate)
			updateDone := make(chan error, 1)
			go func() {
				_, err := f.store.Update(context.Background(), 5, domain.WatchlistPatch{Progress: ptr(3)})
				updateDone <- err
			}()
			waitCalls(t, f.srv, backendtest.RouteWatchlistUpdate, 1)

			if updateFirst {
				releaseUpdate()
				require.NoError(t, <-updateDone)
				releaseRemove()
				require.NoError(t, <-removeDone)
			} else {
				releaseRemove()
				require.NoError(t, <-removeDone)
				releaseUpdate()
				assert.True(t, apperr.Is(<-updateDone, apperr.KindNotFound))
			}

			_, ok := f.store.Get(5)
			assert.False(t, ok)
			assertMirrorsServer(t, f)
		})
	}
}

// ─── filtering ───

func TestItemsByStatus(t *testing.T) {
	f := newFixture(t, Options{})
	u := f.login(t)
	done := item(2)
	done.Status = domain.StatusCompleted
	f.srv.SeedWatchlist(u.ID, item(1), done, item(3))
	_, err := f.store.FetchAll(context.Background())
	require.NoError(t, err)

	watching := f.store.ItemsByStatus(domain.StatusWatching)
	require.Len(t, watching, 2)
	assert.Equal(t, 1, watching[0].AnimeID)
	assert.Equal(t, 3, watching[1].AnimeID)

	completed := f.store.ItemsByStatus(domain.StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 2, completed[0].AnimeID)

	assert.Empty(t, f.store.ItemsByStatus(domain.StatusDropped))
	assert.Len(t, f.store.ItemsByStatus(""), 3)
}

// ─── events / lifecycle ───

func TestSubscribe_EventsAreOrdered(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)

	var mu sync.Mutex
	var events []Event
	unsubscribe := f.store.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	_, err := f.store.Add(context.Background(), item(5))
	require.NoError(t, err)
	require.NoError(t, f.store.Remove(context.Background(), 5))
	unsubscribe()
	unsubscribe()
	_, err = f.store.Add(context.Background(), item(6))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var types []EventType
	for i, ev := range events {
		types = append(types, ev.Type)
		if i > 0 {
			assert.Greater(t, ev.Seq, events[i-1].Seq)
		}
	}
	assert.Equal(t, []EventType{
		EventLoading, EventLoading, EventAdded,
		EventLoading, EventLoading, EventRemoved,
	}, types)
	assert.Equal(t, 1, events[2].Count)
	assert.Equal(t, 0, events[5].Count)
}

func TestClose_DropsLateResults(t *testing.T) {
	f := newFixture(t, Options{})
	f.login(t)
	release := f.srv.Hold(backendtest.RouteWatchlistAdd)

	done := make(chan error, 1)
	go func() {
		_, err := f.store.Add(context.Background(), item(5))
		done <- err
	}()
	waitCalls(t, f.srv, backendtest.RouteWatchlistAdd, 1)
	f.store.Close()
	release()

	assert.Error(t, <-done)
	assert.Empty(t, f.store.Items())
}

func TestDecodeItem_Envelopes(t *testing.T) {
	got, err := decodeItem("op", []byte(`{"item":{"animeId":3,"status":"PLANNED","progress":0}}`), domain.WatchlistItem{})
	require.NoError(t, err)
	assert.Equal(t, 3, got.AnimeID)

	got, err = decodeItem("op", []byte(`{"animeId":4,"status":"DROPPED","progress":2}`), domain.WatchlistItem{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDropped, got.Status)

	got, err = decodeItem("op", nil, item(9))
	require.NoError(t, err)
	assert.Equal(t, 9, got.AnimeID)

	got, err = decodeItem("op", []byte(`{"animeId":42,"status":"COMPLETED"}`), domain.WatchlistItem{})
	require.NoError(t, err)
	assert.Equal(t, domain.ProgressUnreported, got.Progress)
	local := item(42)
	local.Progress = 7
	assert.Equal(t, 7, local.Merge(got).Progress)

	_, err = decodeItem("op", []byte(`[1,2]`), domain.WatchlistItem{})
	assert.True(t, apperr.Is(err, apperr.KindOperation))
}
