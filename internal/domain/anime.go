package domain

type Title struct {
	Romaji  string `json:"romaji,omitempty"`
	English string `json:"english,omitempty"`
	Native  string `json:"native,omitempty"`
}

// Display prefers the romaji title, then English, then native.
func (t Title) Display() string {
	switch {
	case t.Romaji != "":
		return t.Romaji
	case t.English != "":
		return t.English
	default:
		return t.Native
	}
}

type CoverImage struct {
	Large string `json:"large,omitempty"`
	Color string `json:"color,omitempty"`
}

type Format string

const (
	FormatTV      Format = "TV"
	FormatTVShort Format = "TV_SHORT"
	FormatMovie   Format = "MOVIE"
	FormatSpecial Format = "SPECIAL"
	FormatOVA     Format = "OVA"
	FormatONA     Format = "ONA"
	FormatMusic   Format = "MUSIC"
)

var Formats = []Format{FormatTV, FormatTVShort, FormatMovie, FormatSpecial, FormatOVA, FormatONA, FormatMusic}

func (f Format) Known() bool {
	for _, v := range Formats {
		if f == v {
			return true
		}
	}
	return false
}

type Season string

const (
	SeasonWinter Season = "WINTER"
	SeasonSpring Season = "SPRING"
	SeasonSummer Season = "SUMMER"
	SeasonFall   Season = "FALL"
)

func (s Season) Valid() bool {
	switch s {
	case SeasonWinter, SeasonSpring, SeasonSummer, SeasonFall:
		return true
	}
	return false
}

type AnimeSummary struct {
	ID           int        `json:"id"`
	Title        Title      `json:"title"`
	CoverImage   CoverImage `json:"coverImage"`
	AverageScore *int       `json:"averageScore,omitempty"`
	Genres       []string   `json:"genres"`
	IsAdult      bool       `json:"isAdult"`
	Format       Format     `json:"format"`
}

// PageCursor is the pagination state of a catalog listing. It is
// serialized as AniList's pageInfo object.
type PageCursor struct {
	Page        int  `json:"currentPage"`
	PerPage     int  `json:"perPage"`
	HasNextPage bool `json:"hasNextPage"`
	Total       int  `json:"total"`
	LastPage    int  `json:"lastPage"`
}

type AnimePage struct {
	Data     []AnimeSummary `json:"data"`
	PageInfo PageCursor     `json:"pageInfo"`
}

type Person struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

type StaffCredit struct {
	Role   string `json:"role"`
	Person Person `json:"person"`
}

type CharacterCredit struct {
	Role        string   `json:"role"`
	Character   Person   `json:"character"`
	VoiceActors []Person `json:"voiceActors,omitempty"`
}

type Ranking struct {
	Rank    int    `json:"rank"`
	Type    string `json:"type"`
	Context string `json:"context"`
	AllTime bool   `json:"allTime"`
	Year    *int   `json:"year,omitempty"`
	Season  Season `json:"season,omitempty"`
}

type RelatedMedia struct {
	ID         int        `json:"id"`
	Title      Title      `json:"title"`
	Format     Format     `json:"format,omitempty"`
	Type       string     `json:"type,omitempty"`
	CoverImage CoverImage `json:"coverImage"`
}

type Relation struct {
	RelationType string       `json:"relationType"`
	Media        RelatedMedia `json:"media"`
}

type AnimeDetails struct {
	AnimeSummary
	BannerImage     string            `json:"bannerImage,omitempty"`
	Description     string            `json:"description,omitempty"`
	DescriptionText string            `json:"descriptionText,omitempty"`
	Status          string            `json:"status,omitempty"`
	Episodes        *int              `json:"episodes,omitempty"`
	Duration        *int              `json:"duration,omitempty"`
	Season          Season            `json:"season,omitempty"`
	SeasonYear      *int              `json:"seasonYear,omitempty"`
	Staff           []StaffCredit     `json:"staff"`
	Characters      []CharacterCredit `json:"characters"`
	Rankings        []Ranking         `json:"rankings"`
	Relations       []Relation        `json:"relations"`
}
