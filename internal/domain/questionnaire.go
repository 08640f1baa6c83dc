package domain

type QuestionOption struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

type Question struct {
	ID      int              `json:"id"`
	Text    string           `json:"text"`
	Order   int              `json:"order"`
	Options []QuestionOption `json:"options"`
}

// HasOption reports whether optionID belongs to q.
func (q Question) HasOption(optionID int) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

type Questionnaire struct {
	ID            int        `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	QuestionCount int        `json:"questionCount"`
	Questions     []Question `json:"questions,omitempty"`
}

type Answer struct {
	QuestionID int `json:"questionId"`
	OptionID   int `json:"optionId"`
}

type Recommendation struct {
	ID       int      `json:"id"`
	Title    string   `json:"title"`
	ImageURL string   `json:"imageUrl"`
	Score    float64  `json:"score"`
	Genres   []string `json:"genres"`
}
