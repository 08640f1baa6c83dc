package backendtest

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/anime-watchlist/internal/domain"
)

func (s *Server) render(item domain.WatchlistItem) domain.WatchlistItem {
	if s.canonicalize != nil {
		return s.canonicalize(item)
	}
	return item
}

func (s *Server) listWatchlist(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, _ := s.currentLocked(r)
	if acc == nil {
		writeMessage(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	items := make([]domain.WatchlistItem, 0, len(s.watchlists[acc.user.ID]))
	for _, it := range s.watchlists[acc.user.ID] {
		items = append(items, s.render(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}

func (s *Server) addWatchlist(w http.ResponseWriter, r *http.Request) {
	var in domain.WatchlistItem
	if err := decode(r, &in); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := in.Validate(); err != nil {
		writeFields(w, http.StatusUnprocessableEntity, "Validation failed", fieldsOf(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, _ := s.currentLocked(r)
	if acc == nil {
		writeMessage(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	list := s.watchlists[acc.user.ID]
	if indexOf(list, in.AnimeID) >= 0 {
		writeMessage(w, http.StatusConflict, "Anime already in watchlist")
		return
	}
	s.watchlists[acc.user.ID] = append(list, in)
	writeJSON(w, http.StatusCreated, map[string]any{"item": s.render(in)})
}

func (s *Server) updateWatchlist(w http.ResponseWriter, r *http.Request) {
	animeID, err := strconv.Atoi(chi.URLParam(r, "animeId"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid anime id")
		return
	}
	var patch domain.WatchlistPatch
	if err := decode(r, &patch); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := patch.Validate(); err != nil {
		writeFields(w, http.StatusUnprocessableEntity, "Validation failed", fieldsOf(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, _ := s.currentLocked(r)
	if acc == nil {
		writeMessage(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	list := s.watchlists[acc.user.ID]
	i := indexOf(list, animeID)
	if i < 0 {
		writeMessage(w, http.StatusNotFound, "Anime not in watchlist")
		return
	}
	list[i] = patch.Apply(list[i])
	writeJSON(w, http.StatusOK, map[string]any{"item": s.render(list[i])})
}

func (s *Server) deleteWatchlist(w http.ResponseWriter, r *http.Request) {
	animeID, err := strconv.Atoi(chi.URLParam(r, "animeId"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid anime id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, _ := s.currentLocked(r)
	if acc == nil {
		writeMessage(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	list := s.watchlists[acc.user.ID]
	i := indexOf(list, animeID)
	if i < 0 {
		writeMessage(w, http.StatusNotFound, "Anime not in watchlist")
		return
	}
	s.watchlists[acc.user.ID] = append(list[:i], list[i+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func indexOf(list []domain.WatchlistItem, animeID int) int {
	for i, it := range list {
		if it.AnimeID == animeID {
			return i
		}
	}
	return -1
}
