package watchlist

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/backend"
	"github.com/example/anime-watchlist/internal/domain"
)

// Backend is the remote watchlist API.
type Backend interface {
	List(ctx context.Context) ([]domain.WatchlistItem, error)
	Add(ctx context.Context, item domain.WatchlistItem) (domain.WatchlistItem, error)
	Update(ctx context.Context, animeID int, patch domain.WatchlistPatch) (domain.WatchlistItem, error)
	Remove(ctx context.Context, animeID int) error
}

// Remote is the REST client for /api/watchlist.
type Remote struct {
	api *backend.Client
}

func NewRemote(api *backend.Client) *Remote {
	return &Remote{api: api}
}

var statusKinds = map[int]apperr.Kind{
	http.StatusConflict:            apperr.KindConflict,
	http.StatusNotFound:            apperr.KindNotFound,
	http.StatusUnauthorized:        apperr.KindNotAuthenticated,
	http.StatusBadRequest:          apperr.KindValidation,
	http.StatusUnprocessableEntity: apperr.KindValidation,
}

func (r *Remote) List(ctx context.Context) ([]domain.WatchlistItem, error) {
	var out struct {
		Data []domain.WatchlistItem `json:"data"`
	}
	if err := r.api.Do(ctx, http.MethodGet, "/api/watchlist", nil, &out); err != nil {
		return nil, backend.Classify("watchlist.List", err, statusKinds)
	}
	return out.Data, nil
}

func (r *Remote) Add(ctx context.Context, item domain.WatchlistItem) (domain.WatchlistItem, error) {
	const op = "watchlist.Add"
	var raw json.RawMessage
	if err := r.api.Do(ctx, http.MethodPost, "/api/watchlist", item, &raw); err != nil {
		err = backend.Classify(op, err, statusKinds)
		if apperr.Is(err, apperr.KindConflict) {
			return domain.WatchlistItem{}, apperr.Conflict(op, "already in watchlist")
		}
		return domain.WatchlistItem{}, err
	}
	return decodeItem(op, raw, item)
}

func (r *Remote) Update(ctx context.Context, animeID int, patch domain.WatchlistPatch) (domain.WatchlistItem, error) {
	const op = "watchlist.Update"
	var raw json.RawMessage
	if err := r.api.Do(ctx, http.MethodPut, itemPath(animeID), patch, &raw); err != nil {
		return domain.WatchlistItem{}, backend.Classify(op, err, statusKinds)
	}
	// A zero item tells the store the server sent no canonical copy.
	return decodeItem(op, raw, domain.WatchlistItem{})
}

func (r *Remote) Remove(ctx context.Context, animeID int) error {
	if err := r.api.Do(ctx, http.MethodDelete, itemPath(animeID), nil, nil); err != nil {
		return backend.Classify("watchlist.Remove", err, statusKinds)
	}
	return nil
}

func itemPath(animeID int) string {
	return "/api/watchlist/" + strconv.Itoa(animeID)
}

// decodeItem accepts {"item": {...}} and a bare item. An empty body
// yields fallback. A missing progress key decodes as
// domain.ProgressUnreported so merging keeps the local count.
func decodeItem(op string, raw json.RawMessage, fallback domain.WatchlistItem) (domain.WatchlistItem, error) {
	if len(raw) == 0 {
		return fallback, nil
	}
	body := raw
	var env struct {
		Item json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Item) > 0 && string(env.Item) != "null" {
		body = env.Item
	}
	var item domain.WatchlistItem
	if err := json.Unmarshal(body, &item); err != nil {
		return domain.WatchlistItem{}, apperr.Operation(op, "malformed watchlist item", err)
	}
	if item.AnimeID == 0 {
		return fallback, nil
	}
	var present struct {
		Progress *int `json:"progress"`
	}
	if err := json.Unmarshal(body, &present); err == nil && present.Progress == nil {
		item.Progress = domain.ProgressUnreported
	}
	return item, nil
}
