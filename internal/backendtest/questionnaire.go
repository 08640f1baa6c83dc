package backendtest

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/domain"
)

func defaultQuestionnaires() []domain.Questionnaire {
	opts := func(base int, texts ...string) []domain.QuestionOption {
		out := make([]domain.QuestionOption, len(texts))
		for i, t := range texts {
			out[i] = domain.QuestionOption{ID: base + i, Text: t}
		}
		return out
	}
	return []domain.Questionnaire{
		{
			ID:          1,
			Title:       "Find your next series",
			Description: "Three questions about what you enjoy.",
			Questions: []domain.Question{
				{ID: 11, Text: "Pick a mood", Order: 1, Options: opts(100, "Thrilling", "Cozy")},
				{ID: 12, Text: "How long?", Order: 2, Options: opts(110, "One season", "Long runner")},
				{ID: 13, Text: "Era?", Order: 3, Options: opts(120, "Classic", "Recent")},
			},
		},
		{
			ID:          2,
			Title:       "Movie night",
			Description: "One question, one film.",
			Questions: []domain.Question{
				{ID: 21, Text: "Tears or laughs?", Order: 1, Options: opts(200, "Tears", "Laughs")},
			},
		},
	}
}

func defaultRecommendations(answers []domain.Answer) []domain.Recommendation {
	recs := []domain.Recommendation{
		{ID: 1, Title: "Cowboy Bebop", ImageURL: "https://img.example/1.jpg", Score: 0.92, Genres: []string{"Action", "Sci-Fi"}},
		{ID: 21, Title: "One Piece", ImageURL: "https://img.example/21.jpg", Score: 0.81, Genres: []string{"Adventure"}},
	}
	if len(answers) < len(recs) {
		return recs[:len(answers)]
	}
	return recs
}

// SetRecommender replaces the recommendation logic.
func (s *Server) SetRecommender(fn func([]domain.Answer) []domain.Recommendation) {
	s.mu.Lock()
	s.recommend = fn
	s.mu.Unlock()
}

func (s *Server) findQuestionnaireLocked(r *http.Request) (domain.Questionnaire, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		return domain.Questionnaire{}, false
	}
	for _, q := range s.questionnaires {
		if q.ID == id {
			return q, true
		}
	}
	return domain.Questionnaire{}, false
}

func (s *Server) listQuestionnaires(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, _ := s.currentLocked(r); acc == nil {
		writeMessage(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	out := make([]domain.Questionnaire, 0, len(s.questionnaires))
	for _, q := range s.questionnaires {
		out = append(out, domain.Questionnaire{ID: q.ID, Title: q.Title, Description: q.Description, QuestionCount: len(q.Questions)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getQuestionnaire(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, _ := s.currentLocked(r); acc == nil {
		writeMessage(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	q, ok := s.findQuestionnaireLocked(r)
	if !ok {
		writeMessage(w, http.StatusNotFound, "Questionnaire not found")
		return
	}
	q.QuestionCount = len(q.Questions)
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) submitQuestionnaire(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Answers []domain.Answer `json:"answers"`
	}
	if err := decode(r, &in); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, _ := s.currentLocked(r); acc == nil {
		writeMessage(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	q, ok := s.findQuestionnaireLocked(r)
	if !ok {
		writeMessage(w, http.StatusNotFound, "Questionnaire not found")
		return
	}
	byID := make(map[int]domain.Question, len(q.Questions))
	for _, qu := range q.Questions {
		byID[qu.ID] = qu
	}
	for _, a := range in.Answers {
		qu, ok := byID[a.QuestionID]
		if !ok || !qu.HasOption(a.OptionID) {
			writeMessage(w, http.StatusBadRequest, "Invalid answer")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": s.recommend(in.Answers)})
}

func fieldsOf(err error) map[string]string {
	if f := apperr.FieldsOf(err); f != nil {
		return f
	}
	return map[string]string{}
}
