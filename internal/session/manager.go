// Package session owns the current user of the process. The Manager wraps
// the remote auth client, keeps the cached user, notifies listeners on
// every change and propagates logouts to other processes through a
// forced-logout marker and an optional broadcaster.
package session

import (
	"context"
	"net/mail"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/backend"
	"github.com/example/anime-watchlist/internal/domain"
)

// Listener receives the current user, nil when signed out. Listeners
// must not change the session from inside the callback.
type Listener func(*domain.User)

// Announcer tells other processes that the session ended.
type Announcer interface {
	Announce(ctx context.Context, reason string) error
}

type Options struct {
	Markers   MarkerStore
	Announcer Announcer
	Logger    *zap.Logger
}

type Manager struct {
	auth      Authenticator
	markers   MarkerStore
	announcer Announcer
	log       *zap.Logger

	mu        sync.Mutex
	user      *domain.User
	listeners map[uint64]Listener
	nextID    uint64
	started   bool

	// notifyMu serializes deliveries so listeners observe changes in order.
	notifyMu sync.Mutex
}

func NewManager(auth Authenticator, opts Options) *Manager {
	if opts.Markers == nil {
		opts.Markers = NewMemoryMarker()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		auth:      auth,
		markers:   opts.Markers,
		announcer: opts.Announcer,
		log:       opts.Logger,
		listeners: make(map[uint64]Listener),
	}
}

// CurrentUser returns a copy of the signed-in user, or nil.
func (m *Manager) CurrentUser() *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user.Clone()
}

// AddListener registers fn and returns its unsubscribe function. Calling
// the unsubscribe more than once is harmless.
func (m *Manager) AddListener(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// setUser stores u and reports whether the stored value changed.
func (m *Manager) setUser(u *domain.User) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := !reflect.DeepEqual(m.user, u)
	m.user = u.Clone()
	return changed
}

// notify delivers the latest user to every listener. Deliveries happen
// outside m.mu.
func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	u := m.user.Clone()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()

	for _, l := range ls {
		l(u.Clone())
	}
}

func (m *Manager) signedIn(u *domain.User) {
	if err := m.markers.Clear(context.Background()); err != nil {
		m.log.Warn("clear logout marker failed", zap.Error(err))
	}
	m.setUser(u)
	m.notify()
}

func (m *Manager) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.Nickname = strings.TrimSpace(in.Nickname)
	fields := map[string]string{}
	checkEmail(fields, in.Email)
	if in.Nickname == "" {
		fields["nickname"] = "is required"
	}
	if len(in.Password) < minPasswordLen {
		fields["password"] = "must be at least 8 characters"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("session.Register", "invalid registration", fields)
	}

	u, err := m.auth.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	m.signedIn(u)
	m.log.Info("user registered", zap.String("user_id", u.ID.String()))
	return u.Clone(), nil
}

func (m *Manager) Login(ctx context.Context, email, password string) (*domain.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, apperr.Validation("session.Login", "email and password are required", nil)
	}
	u, err := m.auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	m.signedIn(u)
	m.log.Info("user logged in", zap.String("user_id", u.ID.String()))
	return u.Clone(), nil
}

// Logout ends the session locally whatever the backend answers, then
// propagates the logout through the marker and the announcer.
func (m *Manager) Logout(ctx context.Context) {
	if err := m.auth.Logout(ctx); err != nil {
		m.log.Warn("remote logout failed; clearing local session anyway", zap.Error(err))
	}
	m.endSession(ctx, "logout")
}

func (m *Manager) endSession(ctx context.Context, reason string) {
	m.auth.Forget()
	if err := m.markers.Set(ctx); err != nil {
		m.log.Warn("write logout marker failed", zap.Error(err))
	}
	if m.announcer != nil {
		if err := m.announcer.Announce(ctx, reason); err != nil {
			m.log.Warn("announce logout failed", zap.Error(err))
		}
	}
	m.setUser(nil)
	m.notify()
}

// CheckAuth asks the backend whether the session is still valid. It never
// fails: a definite rejection clears the session, while an unreachable
// backend leaves the cached user untouched.
func (m *Manager) CheckAuth(ctx context.Context) *domain.User {
	u, err := m.auth.Check(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if !definiteRejection(err) {
			m.log.Warn("session check failed; keeping cached session", zap.Error(err))
			return nil
		}
		if m.setUser(nil) {
			m.log.Info("session rejected by backend")
			m.auth.Forget()
			m.notify()
		}
		return nil
	}
	if m.setUser(u) {
		m.notify()
	}
	return u.Clone()
}

func definiteRejection(err error) bool {
	if _, ok := backend.AsError(err); ok {
		return true
	}
	return apperr.Is(err, apperr.KindOperation)
}

func (m *Manager) UpdateProfile(ctx context.Context, in ProfileUpdate) (*domain.User, error) {
	const op = "session.UpdateProfile"
	current := m.CurrentUser()
	if current == nil {
		return nil, apperr.NotAuthenticated(op)
	}

	in.Email = strings.TrimSpace(in.Email)
	in.Nickname = strings.TrimSpace(in.Nickname)
	fields := map[string]string{}
	checkEmail(fields, in.Email)
	if in.Nickname == "" {
		fields["nickname"] = "is required"
	}
	if in.NewPassword != "" {
		if in.CurrentPassword == "" {
			fields["currentPassword"] = "is required to set a new password"
		}
		if len(in.NewPassword) < minPasswordLen {
			fields["newPassword"] = "must be at least 8 characters"
		}
	}
	if len(fields) > 0 {
		return nil, apperr.Validation(op, "invalid profile", fields)
	}

	u, err := m.auth.UpdateProfile(ctx, current.ID, in)
	if err != nil {
		if apperr.Is(err, apperr.KindNotAuthenticated) && m.clearIf(current) {
			m.notify()
		}
		return nil, err
	}

	m.mu.Lock()
	same := domain.SameSession(m.user, current)
	if same {
		m.user = u.Clone()
	}
	m.mu.Unlock()
	if !same {
		// The session changed while the request was in flight.
		return nil, apperr.NotAuthenticated(op)
	}
	m.notify()
	return u.Clone(), nil
}

func (m *Manager) DeleteAccount(ctx context.Context) error {
	const op = "session.DeleteAccount"
	current := m.CurrentUser()
	if current == nil {
		return apperr.NotAuthenticated(op)
	}
	if err := m.auth.DeleteAccount(ctx, current.ID); err != nil {
		if apperr.Is(err, apperr.KindNotAuthenticated) && m.clearIf(current) {
			m.notify()
		}
		return err
	}
	m.log.Info("account deleted", zap.String("user_id", current.ID.String()))
	m.endSession(ctx, "account_deleted")
	return nil
}

// clearIf drops the session when it still belongs to u.
func (m *Manager) clearIf(u *domain.User) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !domain.SameSession(m.user, u) {
		return false
	}
	m.user = nil
	return true
}

// Start runs once at boot. A pending forced-logout marker is consumed and
// wins over the stored cookies; otherwise the session is probed. Later
// calls return the current user.
func (m *Manager) Start(ctx context.Context) *domain.User {
	m.mu.Lock()
	if m.started {
		u := m.user.Clone()
		m.mu.Unlock()
		return u
	}
	m.started = true
	m.mu.Unlock()

	forced, err := m.markers.Consume(ctx)
	if err != nil {
		m.log.Warn("read logout marker failed", zap.Error(err))
	}
	if forced {
		m.log.Info("forced logout marker found at startup")
		m.auth.Forget()
		m.setUser(nil)
		m.notify()
		return nil
	}
	return m.CheckAuth(ctx)
}

// ForceLogout drops the local session after another process logged out.
// The backend and the marker are left alone.
func (m *Manager) ForceLogout(reason string) {
	m.mu.Lock()
	had := m.user != nil
	m.user = nil
	m.mu.Unlock()

	m.auth.Forget()
	if !had {
		return
	}
	m.log.Info("session invalidated", zap.String("reason", reason))
	m.notify()
}

const minPasswordLen = 8

func checkEmail(fields map[string]string, email string) {
	if email == "" {
		fields["email"] = "is required"
		return
	}
	if _, err := mail.ParseAddress(email); err != nil {
		fields["email"] = "is not a valid address"
	}
}

