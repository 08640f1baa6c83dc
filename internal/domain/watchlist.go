package domain

import (
	"fmt"
	"strings"

	"github.com/example/anime-watchlist/internal/apperr"
)

type WatchStatus string

const (
	StatusWatching  WatchStatus = "WATCHING"
	StatusCompleted WatchStatus = "COMPLETED"
	StatusOnHold    WatchStatus = "ON_HOLD"
	StatusDropped   WatchStatus = "DROPPED"
	StatusPlanned   WatchStatus = "PLANNED"
)

var WatchStatuses = []WatchStatus{StatusWatching, StatusCompleted, StatusOnHold, StatusDropped, StatusPlanned}

func (s WatchStatus) Valid() bool {
	for _, v := range WatchStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// ParseWatchStatus is case-insensitive and accepts "on-hold" style input.
func ParseWatchStatus(s string) (WatchStatus, bool) {
	st := WatchStatus(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	return st, st.Valid()
}

// StatusFilterAll selects every status in list views.
const StatusFilterAll = "ALL"

// ParseStatusFilter accepts ALL, an empty string or a single status. ALL
// and empty yield "".
func ParseStatusFilter(s string) (WatchStatus, bool) {
	if t := strings.TrimSpace(s); t == "" || strings.EqualFold(t, StatusFilterAll) {
		return "", true
	}
	return ParseWatchStatus(s)
}

const MaxScore = 100

// ProgressUnreported marks a decoded server item that carried no progress.
const ProgressUnreported = -1

type WatchlistItem struct {
	AnimeID    int         `json:"animeId"`
	Status     WatchStatus `json:"status"`
	Progress   int         `json:"progress"`
	Score      *int        `json:"score,omitempty"`
	Notes      *string     `json:"notes,omitempty"`
	AnimeTitle *string     `json:"animeTitle,omitempty"`
	AnimeImage *string     `json:"animeImage,omitempty"`
}

func (w WatchlistItem) Validate() error {
	fields := map[string]string{}
	if w.AnimeID <= 0 {
		fields["animeId"] = "must be a positive id"
	}
	if !w.Status.Valid() {
		fields["status"] = fmt.Sprintf("unknown status %q", w.Status)
	}
	validateCounts(fields, &w.Progress, w.Score)
	if len(fields) > 0 {
		return apperr.Validation("watchlist.item", "invalid watchlist item", fields)
	}
	return nil
}

// Merge overlays the server's canonical item on w. Fields the server
// left empty keep their local value.
func (w WatchlistItem) Merge(canonical WatchlistItem) WatchlistItem {
	out := w
	if canonical.AnimeID != 0 {
		out.AnimeID = canonical.AnimeID
	}
	if canonical.Status != "" {
		out.Status = canonical.Status
	}
	if canonical.Progress != ProgressUnreported {
		out.Progress = canonical.Progress
	}
	if canonical.Score != nil {
		out.Score = canonical.Score
	}
	if canonical.Notes != nil {
		out.Notes = canonical.Notes
	}
	if canonical.AnimeTitle != nil {
		out.AnimeTitle = canonical.AnimeTitle
	}
	if canonical.AnimeImage != nil {
		out.AnimeImage = canonical.AnimeImage
	}
	return out
}

// WatchlistPatch is a partial update; nil fields are left untouched.
type WatchlistPatch struct {
	Status   *WatchStatus `json:"status,omitempty"`
	Progress *int         `json:"progress,omitempty"`
	Score    *int         `json:"score,omitempty"`
	Notes    *string      `json:"notes,omitempty"`
}

func (p WatchlistPatch) Empty() bool {
	return p.Status == nil && p.Progress == nil && p.Score == nil && p.Notes == nil
}

func (p WatchlistPatch) Validate() error {
	if p.Empty() {
		return apperr.Validation("watchlist.patch", "nothing to update", nil)
	}
	fields := map[string]string{}
	if p.Status != nil && !p.Status.Valid() {
		fields["status"] = fmt.Sprintf("unknown status %q", *p.Status)
	}
	validateCounts(fields, p.Progress, p.Score)
	if len(fields) > 0 {
		return apperr.Validation("watchlist.patch", "invalid watchlist update", fields)
	}
	return nil
}

// Apply returns w with the patch applied locally.
func (p WatchlistPatch) Apply(w WatchlistItem) WatchlistItem {
	if p.Status != nil {
		w.Status = *p.Status
	}
	if p.Progress != nil {
		w.Progress = *p.Progress
	}
	if p.Score != nil {
		w.Score = p.Score
	}
	if p.Notes != nil {
		w.Notes = p.Notes
	}
	return w
}

func validateCounts(fields map[string]string, progress, score *int) {
	if progress != nil && *progress < 0 {
		fields["progress"] = "must not be negative"
	}
	if score != nil && (*score < 0 || *score > MaxScore) {
		fields["score"] = fmt.Sprintf("must be between 0 and %d", MaxScore)
	}
}
