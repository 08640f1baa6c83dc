package anilist

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/example/anime-watchlist/internal/apperr"
	"github.com/example/anime-watchlist/internal/domain"
)

const detailsQuery = `query ($id: Int) { Media(id: $id, type: ANIME, isAdult: false) { ` + mediaFields + `
 bannerImage description status episodes duration season seasonYear
 staff(perPage: 12) { edges { role node { id name { full } image { medium } } } }
 characters(perPage: 12, sort: [ROLE, RELEVANCE]) { edges { role node { id name { full } image { medium } } voiceActors(language: JAPANESE) { id name { full } image { medium } } } }
 rankings { rank type context allTime year season }
 relations { edges { relationType node { id title { romaji english native } format type coverImage { large color } } } }
} }`

type wirePerson struct {
	ID   int `json:"id"`
	Name struct {
		Full string `json:"full"`
	} `json:"name"`
	Image struct {
		Medium string `json:"medium"`
	} `json:"image"`
}

func (p wirePerson) person() domain.Person {
	return domain.Person{ID: p.ID, Name: p.Name.Full, Image: p.Image.Medium}
}

type wireMedia struct {
	domain.AnimeSummary
	BannerImage string        `json:"bannerImage"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	Episodes    *int          `json:"episodes"`
	Duration    *int          `json:"duration"`
	Season      domain.Season `json:"season"`
	SeasonYear  *int          `json:"seasonYear"`
	Staff       struct {
		Edges []struct {
			Role string     `json:"role"`
			Node wirePerson `json:"node"`
		} `json:"edges"`
	} `json:"staff"`
	Characters struct {
		Edges []struct {
			Role        string       `json:"role"`
			Node        wirePerson   `json:"node"`
			VoiceActors []wirePerson `json:"voiceActors"`
		} `json:"edges"`
	} `json:"characters"`
	Rankings  []domain.Ranking `json:"rankings"`
	Relations struct {
		Edges []struct {
			RelationType string              `json:"relationType"`
			Node         domain.RelatedMedia `json:"node"`
		} `json:"edges"`
	} `json:"relations"`
}

type mediaData struct {
	Media *wireMedia `json:"Media"`
}

// FetchAnimeDetails loads the extended record of one anime.
func (c *Client) FetchAnimeDetails(ctx context.Context, id int) (domain.AnimeDetails, error) {
	const op = "anilist.FetchAnimeDetails"
	if id <= 0 {
		return domain.AnimeDetails{}, apperr.Validation(op, "invalid anime id", map[string]string{"id": "must be a positive id"})
	}

	var data mediaData
	if err := c.post(ctx, op, detailsQuery, map[string]any{"id": id}, &data); err != nil {
		return domain.AnimeDetails{}, err
	}
	if data.Media == nil || data.Media.IsAdult {
		return domain.AnimeDetails{}, apperr.NotFound(op, fmt.Sprintf("anime %d not found", id))
	}
	return data.Media.details(), nil
}

func (m *wireMedia) details() domain.AnimeDetails {
	d := domain.AnimeDetails{
		AnimeSummary:    m.AnimeSummary,
		BannerImage:     m.BannerImage,
		Description:     m.Description,
		DescriptionText: DescriptionText(m.Description),
		Status:          m.Status,
		Episodes:        m.Episodes,
		Duration:        m.Duration,
		Season:          m.Season,
		SeasonYear:      m.SeasonYear,
		Staff:           make([]domain.StaffCredit, 0, len(m.Staff.Edges)),
		Characters:      make([]domain.CharacterCredit, 0, len(m.Characters.Edges)),
		Rankings:        m.Rankings,
		Relations:       make([]domain.Relation, 0, len(m.Relations.Edges)),
	}
	if d.Genres == nil {
		d.Genres = []string{}
	}
	if d.Rankings == nil {
		d.Rankings = []domain.Ranking{}
	}
	for _, e := range m.Staff.Edges {
		d.Staff = append(d.Staff, domain.StaffCredit{Role: e.Role, Person: e.Node.person()})
	}
	for _, e := range m.Characters.Edges {
		cc := domain.CharacterCredit{Role: e.Role, Character: e.Node.person()}
		for _, va := range e.VoiceActors {
			cc.VoiceActors = append(cc.VoiceActors, va.person())
		}
		d.Characters = append(d.Characters, cc)
	}
	for _, e := range m.Relations.Edges {
		d.Relations = append(d.Relations, domain.Relation{RelationType: e.RelationType, Media: e.Node})
	}
	return d
}

// DescriptionText renders AniList's description HTML as plain text.
// Line breaks become newlines and runs of blank lines collapse to one.
func DescriptionText(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return strings.TrimSpace(src)
	}
	doc.Find("br").Each(func(_ int, s *goquery.Selection) {
		s.ReplaceWithNodes(&html.Node{Type: html.TextNode, Data: "\n"})
	})

	var out []string
	blank := false
	for _, line := range strings.Split(doc.Text(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
				blank = true
			}
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
