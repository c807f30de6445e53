package survey

import (
	"context"
	"strconv"

	"github.com/stewardbot/steward/models"
)

// number of free-text answers quoted per question
const textSamples = 3

type ChoiceCount struct {
	Option  string  `json:"option"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

type QuestionResult struct {
	QuestionID string              `json:"question_id"`
	Text       string              `json:"text"`
	Kind       models.QuestionKind `json:"kind"`
	Answered   int                 `json:"answered"`
	Choices    []ChoiceCount       `json:"choices,omitempty"`
	Average    float64             `json:"average,omitempty"`
	Samples    []string            `json:"samples,omitempty"`
}

type Results struct {
	SurveyID  string           `json:"survey_id"`
	Title     string           `json:"title"`
	Active    bool             `json:"active"`
	Responses int              `json:"responses"`
	Questions []QuestionResult `json:"questions"`
}

// Results aggregates the completed responses of a survey. Skipped optional questions do not count
// towards Answered.
func (e *Engine) Results(ctx context.Context, surveyID string) (*Results, error) {
	def, err := e.loadSurvey(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	recs, err := e.store.ListResponseRecords(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	out := &Results{
		SurveyID:  def.ID,
		Title:     def.Title,
		Active:    def.Active,
		Responses: len(recs),
		Questions: make([]QuestionResult, len(def.Questions)),
	}
	for i, q := range def.Questions {
		qr := QuestionResult{QuestionID: q.ID, Text: q.Text, Kind: q.Kind}
		counts := make(map[string]int)
		sum := 0
		for _, rec := range recs {
			if i >= len(rec.Answers) || rec.Answers[i] == "" {
				continue
			}
			ans := rec.Answers[i]
			qr.Answered++
			switch q.Kind {
			case models.QuestionChoice:
				counts[ans]++
			case models.QuestionScale:
				n, err := strconv.Atoi(ans)
				if err != nil {
					qr.Answered--
					continue
				}
				sum += n
			case models.QuestionText:
				if len(qr.Samples) < textSamples {
					qr.Samples = append(qr.Samples, ans)
				}
			}
		}
		switch q.Kind {
		case models.QuestionChoice:
			for _, opt := range q.Options {
				cc := ChoiceCount{Option: opt, Count: counts[opt]}
				if qr.Answered > 0 {
					cc.Percent = float64(cc.Count) * 100 / float64(qr.Answered)
				}
				qr.Choices = append(qr.Choices, cc)
			}
		case models.QuestionScale:
			if qr.Answered > 0 {
				qr.Average = float64(sum) / float64(qr.Answered)
			}
		}
		out.Questions[i] = qr
	}
	return out, nil
}
