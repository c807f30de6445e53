package survey

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rivo/uniseg"

	"github.com/stewardbot/steward/models"
)

const (
	DefaultScaleMin = 1
	DefaultScaleMax = 10
	// longest accepted free-text answer, in characters
	MaxTextAnswer = 2000
)

// normalizeDefinition fills in defaults. Scale questions without bounds get 1..10.
func normalizeDefinition(def *models.SurveyDefinition) {
	def.Title = strings.TrimSpace(def.Title)
	for i := range def.Questions {
		q := &def.Questions[i]
		q.ID = strings.TrimSpace(q.ID)
		q.Text = strings.TrimSpace(q.Text)
		if q.Kind == models.QuestionScale && q.Min == 0 && q.Max == 0 {
			q.Min, q.Max = DefaultScaleMin, DefaultScaleMax
		}
		for j := range q.Options {
			q.Options[j] = strings.TrimSpace(q.Options[j])
		}
	}
}

func ValidateDefinition(def *models.SurveyDefinition, maxQuestions int) error {
	if def.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDefinition)
	}
	if len(def.Questions) == 0 {
		return fmt.Errorf("%w: survey has no questions", ErrInvalidDefinition)
	}
	if len(def.Questions) > maxQuestions {
		return fmt.Errorf("%w: %d questions, at most %d allowed", ErrInvalidDefinition, len(def.Questions), maxQuestions)
	}
	seen := make(map[string]bool, len(def.Questions))
	for i, q := range def.Questions {
		if q.ID == "" {
			return fmt.Errorf("%w: question %d has no id", ErrInvalidDefinition, i+1)
		}
		if seen[q.ID] {
			return fmt.Errorf("%w: duplicate question id %q", ErrInvalidDefinition, q.ID)
		}
		seen[q.ID] = true
		if q.Text == "" {
			return fmt.Errorf("%w: question %q has no text", ErrInvalidDefinition, q.ID)
		}
		switch q.Kind {
		case models.QuestionChoice:
			if len(q.Options) < 2 {
				return fmt.Errorf("%w: choice question %q needs at least two options", ErrInvalidDefinition, q.ID)
			}
			opts := make(map[string]bool, len(q.Options))
			for _, opt := range q.Options {
				if opt == "" {
					return fmt.Errorf("%w: choice question %q has an empty option", ErrInvalidDefinition, q.ID)
				}
				k := strings.ToLower(opt)
				if opts[k] {
					return fmt.Errorf("%w: choice question %q repeats option %q", ErrInvalidDefinition, q.ID, opt)
				}
				opts[k] = true
			}
		case models.QuestionScale:
			if q.Min >= q.Max {
				return fmt.Errorf("%w: scale question %q needs min < max", ErrInvalidDefinition, q.ID)
			}
		case models.QuestionText:
			if len(q.Options) > 0 {
				return fmt.Errorf("%w: text question %q can not have options", ErrInvalidDefinition, q.ID)
			}
		default:
			return fmt.Errorf("%w: question %q has unknown kind %q", ErrInvalidDefinition, q.ID, q.Kind)
		}
	}
	return nil
}

// NormalizeAnswer checks a raw answer against a question and returns the value to store. Choice
// answers match an option case-insensitively, or by its 1-based number, and are stored as the option
// text. An empty answer skips an optional question.
func NormalizeAnswer(q *models.Question, raw string) (string, error) {
	answer := strings.TrimSpace(raw)
	if answer == "" {
		if q.Required {
			return "", fmt.Errorf("%w: question %q requires an answer", ErrInvalidAnswer, q.ID)
		}
		return "", nil
	}
	switch q.Kind {
	case models.QuestionChoice:
		for _, opt := range q.Options {
			if strings.EqualFold(opt, answer) {
				return opt, nil
			}
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(q.Options) {
			return q.Options[n-1], nil
		}
		return "", fmt.Errorf("%w: %q is not one of the options", ErrInvalidAnswer, answer)
	case models.QuestionScale:
		n, err := strconv.Atoi(answer)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not a number", ErrInvalidAnswer, answer)
		}
		if n < q.Min || n > q.Max {
			return "", fmt.Errorf("%w: %d is outside %d..%d", ErrInvalidAnswer, n, q.Min, q.Max)
		}
		return strconv.Itoa(n), nil
	case models.QuestionText:
		if graphemeLen(answer) > MaxTextAnswer {
			return "", fmt.Errorf("%w: answer longer than %d characters", ErrInvalidAnswer, MaxTextAnswer)
		}
		return answer, nil
	default:
		return "", fmt.Errorf("%w: question %q has unknown kind %q", ErrInvalidAnswer, q.ID, q.Kind)
	}
}

// graphemeLen counts user-perceived characters, so that emoji sequences count once.
func graphemeLen(s string) int {
	n := 0
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		n++
	}
	return n
}
