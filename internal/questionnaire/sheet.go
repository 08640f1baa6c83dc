package questionnaire

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/domain"
)

// Submitter is the part of Client a Sheet needs.
type Submitter interface {
	Submit(ctx context.Context, id int, answers []domain.Answer) ([]domain.Recommendation, error)
}

// Sheet walks one questionnaire a question at a time. Moving on requires
// an answer to the current question; submitting requires all of them.
type Sheet struct {
	mu      sync.Mutex
	q       domain.Questionnaire
	current int
	answers map[int]int
	results []domain.Recommendation
}

func NewSheet(q domain.Questionnaire) *Sheet {
	return &Sheet{q: q, answers: make(map[int]int, len(q.Questions))}
}

func (s *Sheet) Questionnaire() domain.Questionnaire { return s.q }

// Current returns the question on screen and its index.
func (s *Sheet) Current() (domain.Question, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.q.Questions) == 0 {
		return domain.Question{}, 0, false
	}
	return s.q.Questions[s.current], s.current, true
}

// Selected is the option chosen for questionID.
func (s *Sheet) Selected(questionID int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opt, ok := s.answers[questionID]
	return opt, ok
}

// Select records optionID for the current question and moves to the next
// one, unless it is the last.
func (s *Sheet) Select(optionID int) error {
	const op = "questionnaire.Select"
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.q.Questions) == 0 {
		return apperr.Validation(op, "questionnaire has no questions", nil)
	}
	q := s.q.Questions[s.current]
	if !q.HasOption(optionID) {
		return apperr.Validation(op, "invalid option", map[string]string{
			"optionId": fmt.Sprintf("%d is not an option of question %d", optionID, q.ID),
		})
	}
	s.answers[q.ID] = optionID
	s.results = nil
	if s.current < len(s.q.Questions)-1 {
		s.current++
	}
	return nil
}

func (s *Sheet) CanNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answeredLocked(s.current) && s.current < len(s.q.Questions)-1
}

func (s *Sheet) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.answeredLocked(s.current) || s.current >= len(s.q.Questions)-1 {
		return false
	}
	s.current++
	return true
}

func (s *Sheet) Previous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == 0 {
		return false
	}
	s.current--
	return true
}

func (s *Sheet) answeredLocked(i int) bool {
	if i < 0 || i >= len(s.q.Questions) {
		return false
	}
	_, ok := s.answers[s.q.Questions[i].ID]
	return ok
}

// Complete reports whether every question has an answer.
func (s *Sheet) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked()
}

func (s *Sheet) completeLocked() bool {
	if len(s.q.Questions) == 0 {
		return false
	}
	for i := range s.q.Questions {
		if !s.answeredLocked(i) {
			return false
		}
	}
	return true
}

// Answers lists the answers in question order.
func (s *Sheet) Answers() []domain.Answer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answersLocked()
}

func (s *Sheet) answersLocked() []domain.Answer {
	out := make([]domain.Answer, 0, len(s.answers))
	for _, q := range s.q.Questions {
		if opt, ok := s.answers[q.ID]; ok {
			out = append(out, domain.Answer{QuestionID: q.ID, OptionID: opt})
		}
	}
	return out
}

// Submit sends the answers once the sheet is complete and keeps the
// recommendations.
func (s *Sheet) Submit(ctx context.Context, sub Submitter) ([]domain.Recommendation, error) {
	const op = "questionnaire.Submit"
	s.mu.Lock()
	if !s.completeLocked() {
		s.mu.Unlock()
		return nil, apperr.Validation(op, "answer every question before submitting", nil)
	}
	answers := s.answersLocked()
	s.mu.Unlock()

	recs, err := sub.Submit(ctx, s.q.ID, answers)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.results = recs
	s.mu.Unlock()
	return recs, nil
}

// Results are the recommendations of the last successful submit.
func (s *Sheet) Results() []domain.Recommendation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}

// Reset clears every answer and returns to the first question.
func (s *Sheet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = 0
	s.answers = make(map[int]int, len(s.q.Questions))
	s.results = nil
}
