package gateway

import (
	"net/http"

	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/platform/analytics"
	"github.com/example/anime-watchlist/internal/platform/api"
	"github.com/example/anime-watchlist/internal/platform/auth"
	"github.com/example/anime-watchlist/internal/platform/httpserver"
)

type submitRequest struct {
	Answers []domain.Answer `json:"answers"`
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}

func ListQuestionnaires(q Questionnaires) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		list, err := q.List(r.Context())
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}
		if list == nil {
			list = []domain.Questionnaire{}
		}
		api.WriteJSON(w, http.StatusOK, listResponse[domain.Questionnaire]{Data: list})
	}
}

func GetQuestionnaire(q Questionnaires) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		id, ok := intParam(w, r, rid, "id")
		if !ok {
			return
		}
		res, err := q.Get(r.Context(), id)
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, res)
	}
}

func SubmitQuestionnaire(q Questionnaires, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		id, ok := intParam(w, r, rid, "id")
		if !ok {
			return
		}
		var req submitRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}

		recs, err := q.Submit(r.Context(), id, req.Answers)
		if err != nil {
			api.WriteAppError(w, rid, err)
			return
		}
		if recs == nil {
			recs = []domain.Recommendation{}
		}

		uid, _ := auth.UserIDFromContext(r.Context())
		ap.Publish(analytics.SubjectQuestionnaireSubmitted, "questionnaire_submitted", uid, map[string]any{
			"questionnaire_id": id,
			"answers":          len(req.Answers),
			"recommendations":  len(recs),
		})
		api.WriteJSON(w, http.StatusOK, listResponse[domain.Recommendation]{Data: recs})
	}
}
