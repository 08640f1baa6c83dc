// Package watchlist keeps a local mirror of the signed-in user's remote
// watchlist. Mutations apply only after the backend confirms them; stale
// responses, superseded by a newer request on the same anime or by a
// session change, are dropped.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/domain"
)

const DefaultTimeout = 15 * time.Second

// Session exposes the current user.
type Session interface {
	CurrentUser() *domain.User
}

type EventType string

const (
	EventReset    EventType = "reset"
	EventReplaced EventType = "replaced"
	EventAdded    EventType = "added"
	EventUpdated  EventType = "updated"
	EventRemoved  EventType = "removed"
	EventLoading  EventType = "loading"
)

// Event describes one change of the store. Seq grows with every event,
// so subscribers can order deliveries that race each other.
type Event struct {
	Seq     uint64                `json:"seq"`
	Type    EventType             `json:"type"`
	AnimeID int                   `json:"animeId,omitempty"`
	Item    *domain.WatchlistItem `json:"item,omitempty"`
	Count   int                   `json:"count"`
	Loading bool                  `json:"loading"`
}

type Options struct {
	// Timeout bounds every remote call; zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *zap.Logger
}

type Store struct {
	remote  Backend
	session Session
	timeout time.Duration
	log     *zap.Logger

	mu           sync.Mutex
	items        []domain.WatchlistItem
	owner        domain.ID
	epoch        uint64
	initDone     bool
	initializing bool
	inflight     int
	lastErr      error
	marks        map[int]mark
	adding       map[int]struct{}
	nextToken    uint64
	seq          uint64
	pending      []Event
	subs         map[uint64]func(Event)
	nextSub      uint64
	closed       bool
}

func NewStore(remote Backend, session Session, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		remote:  remote,
		session: session,
		timeout: opts.Timeout,
		log:     opts.Logger,
		marks:   make(map[int]mark),
		adding:  make(map[int]struct{}),
		subs:    make(map[uint64]func(Event)),
	}
}

// ticket pins the session epoch an operation started under.
type ticket struct {
	epoch uint64
}

// ─── reads ───

func (s *Store) Items() []domain.WatchlistItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WatchlistItem, len(s.items))
	copy(out, s.items)
	return out
}

// ItemsByStatus returns the entries with status in collection order. An
// empty status returns every entry.
func (s *Store) ItemsByStatus(status domain.WatchStatus) []domain.WatchlistItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WatchlistItem, 0, len(s.items))
	for _, it := range s.items {
		if status == "" || it.Status == status {
			out = append(out, it)
		}
	}
	return out
}

func (s *Store) Get(animeID int) (domain.WatchlistItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(animeID); i >= 0 {
		return s.items[i], true
	}
	return domain.WatchlistItem{}, false
}

// Loading reports whether any remote call is in flight.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Err is the error of the last failed operation, cleared by the next
// success.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe registers fn for change events and returns its unsubscribe.
// fn runs outside the store lock and must not block.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// ─── session coupling ───

// HandleSession is the session listener. A sign-out or a different user
// empties the collection and invalidates every in-flight result.
func (s *Store) HandleSession(u *domain.User) {
	s.mu.Lock()
	if s.closed || (u != nil && u.ID == s.owner) {
		s.mu.Unlock()
		return
	}
	var id domain.ID
	if u != nil {
		id = u.ID
	}
	s.resetLocked(id)
	s.unlockAndFlush()
}

func (s *Store) resetLocked(owner domain.ID) {
	s.owner = owner
	s.items = nil
	s.initDone = false
	s.initializing = false
	s.lastErr = nil
	s.marks = make(map[int]mark)
	s.adding = make(map[int]struct{})
	s.epoch++
	s.emitLocked(Event{Type: EventReset})
}

// Close stops the store from applying results. Pending calls finish but
// their responses are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.epoch++
	s.subs = make(map[uint64]func(Event))
	s.pending = nil
	s.mu.Unlock()
}

// ─── operation plumbing ───

// admitLocked fails before any I/O when there is no session, and aligns
// the collection with the current user.
func (s *Store) admitLocked(op string) (ticket, error) {
	if s.closed {
		return ticket{}, apperr.Operation(op, "watchlist store closed", nil)
	}
	u := s.session.CurrentUser()
	if u == nil {
		return ticket{}, apperr.NotAuthenticated(op)
	}
	if u.ID != s.owner {
		s.resetLocked(u.ID)
	}
	return ticket{epoch: s.epoch}, nil
}

func (s *Store) liveLocked(t ticket) bool {
	return !s.closed && s.epoch == t.epoch
}

func (s *Store) startIOLocked() {
	s.inflight++
	if s.inflight == 1 {
		s.emitLocked(Event{Type: EventLoading, Loading: true})
	}
}

func (s *Store) finishIOLocked() {
	s.inflight--
	if s.inflight == 0 {
		s.emitLocked(Event{Type: EventLoading, Loading: false})
	}
}

// mark is the newest request applied to an anime. Failed requests never
// move it, so they cannot shadow an earlier success.
type mark struct {
	token uint64
	add   bool
}

func (s *Store) issueLocked() uint64 {
	s.nextToken++
	return s.nextToken
}

// newerLocked reports whether token was issued after the last applied
// request for animeID.
func (s *Store) newerLocked(animeID int, token uint64) bool {
	return token > s.marks[animeID].token
}

func (s *Store) markLocked(animeID int, token uint64, add bool) {
	s.marks[animeID] = mark{token: token, add: add}
}

func (s *Store) indexLocked(animeID int) int {
	for i, it := range s.items {
		if it.AnimeID == animeID {
			return i
		}
	}
	return -1
}

func (s *Store) emitLocked(ev Event) {
	if s.closed {
		return
	}
	s.seq++
	ev.Seq = s.seq
	ev.Count = len(s.items)
	s.pending = append(s.pending, ev)
}

// unlockAndFlush releases s.mu and delivers queued events.
func (s *Store) unlockAndFlush() {
	evs := s.pending
	s.pending = nil
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, ev := range evs {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// call runs fn with the store timeout and converts a timeout into a
// retryable TimeoutError.
func (s *Store) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !apperr.Is(err, apperr.KindTimeout) {
		return apperr.Timeout(op, err)
	}
	return err
}

// settleLocked records the outcome for Err.
func (s *Store) settleLocked(t ticket, err error) {
	if !s.liveLocked(t) {
		return
	}
	s.lastErr = err
}

func staleSession(op string) error {
	return &apperr.Error{Kind: apperr.KindNotAuthenticated, Op: op, Message: "session changed during request"}
}

// ─── operations ───

// FetchAll replaces the collection with the server's. Duplicate ids
// collapse and the last occurrence wins.
func (s *Store) FetchAll(ctx context.Context) ([]domain.WatchlistItem, error) {
	const op = "watchlist.FetchAll"
	s.mu.Lock()
	t, err := s.admitLocked(op)
	if err != nil {
		s.unlockAndFlush()
		return nil, err
	}
	s.startIOLocked()
	s.unlockAndFlush()

	var fetched []domain.WatchlistItem
	err = s.call(ctx, op, func(ctx context.Context) error {
		var err error
		fetched, err = s.remote.List(ctx)
		return err
	})

	s.mu.Lock()
	s.finishIOLocked()
	s.settleLocked(t, err)
	if err != nil {
		s.unlockAndFlush()
		return nil, err
	}
	if !s.liveLocked(t) {
		s.unlockAndFlush()
		return nil, staleSession(op)
	}
	s.items = dedupe(fetched)
	out := make([]domain.WatchlistItem, len(s.items))
	copy(out, s.items)
	s.emitLocked(Event{Type: EventReplaced})
	s.unlockAndFlush()

	s.log.Debug("watchlist loaded", zap.Int("items", len(out)))
	return out, nil
}

func dedupe(in []domain.WatchlistItem) []domain.WatchlistItem {
	out := make([]domain.WatchlistItem, 0, len(in))
	pos := make(map[int]int, len(in))
	for _, it := range in {
		if i, ok := pos[it.AnimeID]; ok {
			out[i] = it
			continue
		}
		pos[it.AnimeID] = len(out)
		out = append(out, it)
	}
	return out
}

// Init loads the collection once per session. Calls made while a load
// runs, or after one succeeded, return immediately. A failed load can be
// retried.
func (s *Store) Init(ctx context.Context) error {
	const op = "watchlist.Init"
	s.mu.Lock()
	t, err := s.admitLocked(op)
	if err != nil {
		s.unlockAndFlush()
		return err
	}
	if s.initDone || s.initializing {
		s.unlockAndFlush()
		return nil
	}
	s.initializing = true
	s.unlockAndFlush()

	_, err = s.FetchAll(ctx)

	s.mu.Lock()
	if s.liveLocked(t) {
		s.initializing = false
		s.initDone = err == nil
	}
	s.unlockAndFlush()
	return err
}

// Initialized reports whether the current session's collection was loaded.
func (s *Store) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initDone
}

// Add creates an entry. An anime already present locally, or with an add
// still in flight, is a conflict and does not reach the backend.
func (s *Store) Add(ctx context.Context, item domain.WatchlistItem) (domain.WatchlistItem, error) {
	const op = "watchlist.Add"
	s.mu.Lock()
	t, err := s.admitLocked(op)
	if err != nil {
		s.unlockAndFlush()
		return domain.WatchlistItem{}, err
	}
	if err := item.Validate(); err != nil {
		s.unlockAndFlush()
		return domain.WatchlistItem{}, err
	}
	if s.indexLocked(item.AnimeID) >= 0 {
		s.unlockAndFlush()
		return domain.WatchlistItem{}, apperr.Conflict(op, "already in watchlist")
	}
	if _, ok := s.adding[item.AnimeID]; ok {
		s.unlockAndFlush()
		return domain.WatchlistItem{}, apperr.Conflict(op, "add already in progress")
	}
	s.adding[item.AnimeID] = struct{}{}
	token := s.issueLocked()
	s.startIOLocked()
	s.unlockAndFlush()

	var created domain.WatchlistItem
	err = s.call(ctx, op, func(ctx context.Context) error {
		var err error
		created, err = s.remote.Add(ctx, item)
		return err
	})

	s.mu.Lock()
	s.finishIOLocked()
	s.settleLocked(t, err)
	if s.liveLocked(t) {
		delete(s.adding, item.AnimeID)
	}
	if err != nil {
		s.unlockAndFlush()
		return domain.WatchlistItem{}, err
	}
	if !s.liveLocked(t) {
		s.unlockAndFlush()
		return domain.WatchlistItem{}, staleSession(op)
	}
	merged := item.Merge(created)
	if !s.newerLocked(item.AnimeID, token) {
		s.unlockAndFlush()
		s.log.Debug("dropping superseded add", zap.Int("anime_id", item.AnimeID))
		return merged, nil
	}
	s.markLocked(item.AnimeID, token, true)
	if i := s.indexLocked(item.AnimeID); i >= 0 {
		// A concurrent load brought the entry in first.
		merged = s.items[i].Merge(created)
		s.items[i] = merged
	} else {
		s.items = append(s.items, merged)
	}
	applied := merged
	s.emitLocked(Event{Type: EventAdded, AnimeID: item.AnimeID, Item: &applied})
	s.unlockAndFlush()
	return merged, nil
}

// Update sends patch and merges the server's canonical item into the
// local entry. A remote not-found drops the stale local entry.
func (s *Store) Update(ctx context.Context, animeID int, patch domain.WatchlistPatch) (domain.WatchlistItem, error) {
	const op = "watchlist.Update"
	s.mu.Lock()
	t, err := s.admitLocked(op)
	if err != nil {
		s.unlockAndFlush()
		return domain.WatchlistItem{}, err
	}
	if err := patch.Validate(); err != nil {
		s.unlockAndFlush()
		return domain.WatchlistItem{}, err
	}
	if s.indexLocked(animeID) < 0 {
		s.unlockAndFlush()
		return domain.WatchlistItem{}, apperr.NotFound(op, fmt.Sprintf("anime %d is not in the watchlist", animeID))
	}
	token := s.issueLocked()
	s.startIOLocked()
	s.unlockAndFlush()

	var canonical domain.WatchlistItem
	err = s.call(ctx, op, func(ctx context.Context) error {
		var err error
		canonical, err = s.remote.Update(ctx, animeID, patch)
		return err
	})

	s.mu.Lock()
	s.finishIOLocked()
	s.settleLocked(t, err)
	live := s.liveLocked(t)
	newer := s.newerLocked(animeID, token)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) && live && newer {
			s.markLocked(animeID, token, false)
			s.dropLocked(animeID)
		}
		s.unlockAndFlush()
		return domain.WatchlistItem{}, err
	}
	if !live {
		s.unlockAndFlush()
		return domain.WatchlistItem{}, staleSession(op)
	}
	i := s.indexLocked(animeID)
	if i < 0 || !newer {
		// Superseded, or gone after a reload: report without applying.
		s.unlockAndFlush()
		reported := patch.Apply(domain.WatchlistItem{AnimeID: animeID})
		if canonical.AnimeID != 0 {
			reported = reported.Merge(canonical)
		}
		return reported, nil
	}
	var updated domain.WatchlistItem
	if canonical.AnimeID == 0 {
		updated = patch.Apply(s.items[i])
	} else {
		updated = s.items[i].Merge(canonical)
	}
	s.markLocked(animeID, token, false)
	s.items[i] = updated
	applied := updated
	s.emitLocked(Event{Type: EventUpdated, AnimeID: animeID, Item: &applied})
	s.unlockAndFlush()
	return updated, nil
}

// Remove deletes the entry remotely and then locally. A failed remote
// delete keeps the local entry.
func (s *Store) Remove(ctx context.Context, animeID int) error {
	const op = "watchlist.Remove"
	s.mu.Lock()
	t, err := s.admitLocked(op)
	if err != nil {
		s.unlockAndFlush()
		return err
	}
	if s.indexLocked(animeID) < 0 {
		s.unlockAndFlush()
		return apperr.NotFound(op, fmt.Sprintf("anime %d is not in the watchlist", animeID))
	}
	token := s.issueLocked()
	s.startIOLocked()
	s.unlockAndFlush()

	err = s.call(ctx, op, func(ctx context.Context) error {
		return s.remote.Remove(ctx, animeID)
	})

	s.mu.Lock()
	s.finishIOLocked()
	s.settleLocked(t, err)
	live := s.liveLocked(t)
	newer := s.newerLocked(animeID, token)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) && live && newer {
			s.markLocked(animeID, token, false)
			s.dropLocked(animeID)
		}
		s.unlockAndFlush()
		return err
	}
	if !live {
		s.unlockAndFlush()
		return staleSession(op)
	}
	// Only an add issued later can bring the entry back on the server.
	if newer || !s.marks[animeID].add {
		if newer {
			s.markLocked(animeID, token, false)
		}
		s.dropLocked(animeID)
	}
	s.unlockAndFlush()
	return nil
}

func (s *Store) dropLocked(animeID int) {
	i := s.indexLocked(animeID)
	if i < 0 {
		return
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	s.emitLocked(Event{Type: EventRemoved, AnimeID: animeID})
}
