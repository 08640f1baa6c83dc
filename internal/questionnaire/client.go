// Package questionnaire fetches recommendation questionnaires, tracks a
// user's answers and submits them for recommendations.
package questionnaire

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/backend"
	"github.com/example/anime-watchlist/internal/domain"
)

type Client struct {
	api *backend.Client
}

func NewClient(api *backend.Client) *Client {
	return &Client{api: api}
}

var statusKinds = map[int]apperr.Kind{
	http.StatusUnauthorized:        apperr.KindNotAuthenticated,
	http.StatusNotFound:            apperr.KindNotFound,
	http.StatusBadRequest:          apperr.KindValidation,
	http.StatusUnprocessableEntity: apperr.KindValidation,
}

// List returns questionnaire summaries without their questions.
func (c *Client) List(ctx context.Context) ([]domain.Questionnaire, error) {
	const op = "questionnaire.List"
	var raw json.RawMessage
	if err := c.api.Do(ctx, http.MethodGet, "/api/questionnaires", nil, &raw); err != nil {
		return nil, backend.Classify(op, err, statusKinds)
	}
	var list []domain.Questionnaire
	if err := json.Unmarshal(raw, &list); err != nil {
		var env struct {
			Data []domain.Questionnaire `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, apperr.Operation(op, "malformed questionnaire list", err)
		}
		list = env.Data
	}
	if list == nil {
		list = []domain.Questionnaire{}
	}
	return list, nil
}

// Get returns one questionnaire with its questions in display order.
func (c *Client) Get(ctx context.Context, id int) (domain.Questionnaire, error) {
	const op = "questionnaire.Get"
	if id <= 0 {
		return domain.Questionnaire{}, apperr.Validation(op, "invalid questionnaire id", map[string]string{"id": "must be a positive id"})
	}
	var q domain.Questionnaire
	if err := c.api.Do(ctx, http.MethodGet, path(id), nil, &q); err != nil {
		return domain.Questionnaire{}, backend.Classify(op, err, statusKinds)
	}
	sort.SliceStable(q.Questions, func(i, j int) bool { return q.Questions[i].Order < q.Questions[j].Order })
	if q.QuestionCount == 0 {
		q.QuestionCount = len(q.Questions)
	}
	return q, nil
}

// Submit sends answers and returns the recommendations.
func (c *Client) Submit(ctx context.Context, id int, answers []domain.Answer) ([]domain.Recommendation, error) {
	const op = "questionnaire.Submit"
	if len(answers) == 0 {
		return nil, apperr.Validation(op, "no answers", map[string]string{"answers": "at least one answer is required"})
	}
	body := struct {
		Answers []domain.Answer `json:"answers"`
	}{answers}
	var out struct {
		Recommendations []domain.Recommendation `json:"recommendations"`
	}
	if err := c.api.Do(ctx, http.MethodPost, path(id)+"/submit", body, &out); err != nil {
		return nil, backend.Classify(op, err, statusKinds)
	}
	if out.Recommendations == nil {
		out.Recommendations = []domain.Recommendation{}
	}
	return out.Recommendations, nil
}

func path(id int) string {
	return "/api/questionnaires/" + strconv.Itoa(id)
}
