package questionnaire

import (
	"context"
	"net/http"
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

func newClient(t *testing.T, signIn bool) (*backendtest.Server, *Client) {
	t.Helper()
	srv := backendtest.New(t)
	api := backend.New(srv.URL, httpclient.New(httpclient.Config{Timeout: 2 * time.Second}), nil)
	if signIn {
		srv.SeedUser("ann@example.com", "ann", "password1")
		_, err := session.NewRemote(api, false).Login(context.Background(), "ann@example.com", "password1")
		require.NoError(t, err)
	}
	return srv, NewClient(api)
}

// ─── Client ───

func TestClient_ListAndGet(t *testing.T) {
	_, c := newClient(t, true)
	ctx := context.Background()

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 3, list[0].QuestionCount)
	assert.Empty(t, list[0].Questions)

	q, err := c.Get(ctx, 1)
	require.NoError(t, err)
	require.Len(t, q.Questions, 3)
	assert.Equal(t, 11, q.Questions[0].ID)
}

func TestClient_ErrorKinds(t *testing.T) {
	_, anon := newClient(t, false)
	ctx := context.Background()

	_, err := anon.List(ctx)
	assert.True(t, apperr.Is(err, apperr.KindNotAuthenticated), "got %v", err)

	_, c := newClient(t, true)
	_, err = c.Get(ctx, 404)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)

	_, err = c.Get(ctx, 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = c.Submit(ctx, 1, []domain.Answer{{QuestionID: 11, OptionID: 999}})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
}

func TestClient_SubmitFailureIsFetchError(t *testing.T) {
	srv, c := newClient(t, true)
	srv.Fail(backendtest.RouteSubmit, http.StatusInternalServerError, `{"message":"model offline"}`)

	_, err := c.Submit(context.Background(), 2, []domain.Answer{{QuestionID: 21, OptionID: 200}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindFetch))
	assert.True(t, apperr.Retryable(err))
}

// ─── Sheet ───

func TestSheet_NavigationRequiresAnswers(t *testing.T) {
	_, c := newClient(t, true)
	q, err := c.Get(context.Background(), 1)
	require.NoError(t, err)
	s := NewSheet(q)

	cur, idx, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 11, cur.ID)
	assert.False(t, s.Next(), "unanswered question blocks next")
	assert.False(t, s.Previous(), "already at the first question")

	err = s.Select(999)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	require.NoError(t, s.Select(101))
	_, idx, _ = s.Current()
	assert.Equal(t, 1, idx, "selecting advances")

	assert.True(t, s.Previous())
	assert.True(t, s.CanNext())
	assert.True(t, s.Next())
	assert.False(t, s.Next(), "second question is unanswered")

	opt, ok := s.Selected(11)
	assert.True(t, ok)
	assert.Equal(t, 101, opt)
}

func TestSheet_SubmitOnlyWhenComplete(t *testing.T) {
	_, c := newClient(t, true)
	q, err := c.Get(context.Background(), 1)
	require.NoError(t, err)
	s := NewSheet(q)

	require.NoError(t, s.Select(100))
	_, err = s.Submit(context.Background(), c)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	require.NoError(t, s.Select(111))
	require.NoError(t, s.Select(120))
	_, idx, _ := s.Current()
	assert.Equal(t, 2, idx, "last question stays current")
	require.True(t, s.Complete())

	recs, err := s.Submit(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Cowboy Bebop", recs[0].Title)
	assert.Equal(t, recs, s.Results())
	assert.Equal(t, []domain.Answer{
		{QuestionID: 11, OptionID: 100},
		{QuestionID: 12, OptionID: 111},
		{QuestionID: 13, OptionID: 120},
	}, s.Answers())

	s.Reset()
	assert.False(t, s.Complete())
	assert.Nil(t, s.Results())
}

func TestSheet_EmptyQuestionnaire(t *testing.T) {
	s := NewSheet(domain.Questionnaire{ID: 9})
	_, _, ok := s.Current()
	assert.False(t, ok)
	assert.False(t, s.Complete())
	assert.True(t, apperr.Is(s.Select(1), apperr.KindValidation))
}
