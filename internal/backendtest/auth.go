package backendtest

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/anime-watchlist/internal/domain"
)

type registerBody struct {
	Email          string  `json:"email"`
	Nickname       string  `json:"nickname"`
	Password       string  `json:"password"`
	ProfilePicture *string `json:"profilePicture"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in registerBody
	if err := decode(r, &in); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	fields := map[string]string{}
	if !strings.Contains(in.Email, "@") {
		fields["email"] = "Invalid email"
	}
	if strings.TrimSpace(in.Nickname) == "" {
		fields["nickname"] = "Nickname is required"
	}
	if len(in.Password) < 8 {
		fields["password"] = "Password too short"
	}
	if len(fields) > 0 {
		writeFields(w, http.StatusBadRequest, "Validation failed", fields)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.MinCost)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "hash failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.emails[in.Email]; taken {
		writeMessage(w, http.StatusConflict, "Email already registered")
		return
	}
	acc := s.createLocked(in.Email, in.Nickname, in.ProfilePicture, hash)
	s.startSession(w, acc.user.ID)
	writeJSON(w, http.StatusCreated, userJSON(acc.user))
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &in); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[in.Email]
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	acc := s.accounts[id]
	if bcrypt.CompareHashAndPassword(acc.hash, []byte(in.Password)) != nil {
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	s.startSession(w, id)
	writeJSON(w, http.StatusOK, userJSON(acc.user))
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if _, sid := s.currentLocked(r); sid != "" {
		delete(s.sessions, sid)
	}
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeMessage(w, http.StatusOK, "Logged out")
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, _ := s.currentLocked(r)
	if acc == nil {
		writeMessage(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, userJSON(acc.user))
}

// authorizeProfile resolves the session and, on the legacy path, checks
// that the id in the URL is the caller's.
func (s *Server) authorizeProfile(w http.ResponseWriter, r *http.Request) *account {
	acc, _ := s.currentLocked(r)
	if acc == nil {
		writeMessage(w, http.StatusUnauthorized, "Not authenticated")
		return nil
	}
	if id := chi.URLParam(r, "id"); id != "" && domain.ID(id) != acc.user.ID {
		writeMessage(w, http.StatusForbidden, "Forbidden")
		return nil
	}
	return acc
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email           string  `json:"email"`
		Nickname        string  `json:"nickname"`
		ProfilePicture  *string `json:"profilePicture"`
		CurrentPassword string  `json:"currentPassword"`
		NewPassword     string  `json:"newPassword"`
	}
	if err := decode(r, &in); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.authorizeProfile(w, r)
	if acc == nil {
		return
	}

	fields := map[string]string{}
	if other, taken := s.emails[in.Email]; taken && other != acc.user.ID {
		fields["email"] = "Email already taken"
	}
	if in.NewPassword != "" && bcrypt.CompareHashAndPassword(acc.hash, []byte(in.CurrentPassword)) != nil {
		fields["currentPassword"] = "Current password is incorrect"
	}
	if len(fields) > 0 {
		writeFields(w, http.StatusBadRequest, "Validation failed", fields)
		return
	}

	if in.NewPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword), bcrypt.MinCost)
		if err != nil {
			writeMessage(w, http.StatusInternalServerError, "hash failed")
			return
		}
		acc.hash = hash
	}
	delete(s.emails, acc.user.Email)
	acc.user.Email = in.Email
	acc.user.Nickname = in.Nickname
	if in.ProfilePicture != nil {
		acc.user.ProfilePicture = in.ProfilePicture
	}
	acc.user.UpdatedAt = domain.Timestamp{Time: time.Now().UTC().Truncate(time.Second)}
	s.emails[in.Email] = acc.user.ID
	writeJSON(w, http.StatusOK, userJSON(acc.user))
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.authorizeProfile(w, r)
	if acc == nil {
		return
	}
	id := acc.user.ID
	delete(s.accounts, id)
	delete(s.emails, acc.user.Email)
	delete(s.watchlists, id)
	for sid, owner := range s.sessions {
		if owner == id {
			delete(s.sessions, sid)
		}
	}
	writeMessage(w, http.StatusOK, "Account deleted")
}
