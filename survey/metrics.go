package survey

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var surveysCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "steward_surveys_created",
	Help: "Number of survey definitions created",
})

var sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "steward_survey_sessions_started",
	Help: "Number of survey sessions started",
})

var sessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_survey_sessions_finished",
	Help: "Number of survey sessions reaching a terminal state",
}, []string{"state"})

var answersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_survey_answers",
	Help: "Number of survey answers submitted, by outcome",
}, []string{"outcome"})
