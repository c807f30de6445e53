package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stewardbot/steward/automod/engine"
	"github.com/stewardbot/steward/automod/escalation"
	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/models"
	"github.com/stewardbot/steward/survey"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type MessageOutcome struct {
	Duplicate  bool              `json:"duplicate"`
	Violations []event.Violation `json:"violations,omitempty"`
	Transition *TransitionView   `json:"transition,omitempty"`
	Actions    []string          `json:"actions,omitempty"`
}

type TransitionView struct {
	From   models.Sanction `json:"from"`
	To     models.Sanction `json:"to"`
	Reason string          `json:"reason"`
	Score  float64         `json:"score"`
	Expiry *time.Time      `json:"expiry,omitempty"`
}

func transitionView(tr *escalation.Transition) *TransitionView {
	if tr == nil {
		return nil
	}
	v := &TransitionView{From: tr.From, To: tr.To, Reason: string(tr.Reason), Score: tr.Score}
	if !tr.Expiry.IsZero() {
		exp := tr.Expiry
		v.Expiry = &exp
	}
	return v
}

type CommandOutcome struct {
	Duplicate bool   `json:"duplicate"`
	Reply     string `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) newAPI() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("steward"))
	registerer := s.registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "steward",
		Registerer: registerer,
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.HandleHealthCheck)

	auth := middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
		return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.AdminPassword)) == 1, nil
	})

	ingest := e.Group("/ingest", auth)
	ingest.POST("/message", s.HandleIngestMessage)
	ingest.POST("/command", s.HandleIngestCommand)

	admin := e.Group("/admin", auth)
	admin.GET("/users/:guild/:user", s.HandleUserStatus)
	admin.POST("/users/:guild/:user/clear", s.HandleClearSanction)
	admin.GET("/surveys", s.HandleListSurveys)
	admin.POST("/surveys", s.HandleCreateSurvey)
	admin.GET("/surveys/:id", s.HandleGetSurvey)
	admin.POST("/surveys/:id/activate", s.HandleActivateSurvey)
	admin.POST("/surveys/:id/close", s.HandleCloseSurvey)
	admin.GET("/surveys/:id/results", s.HandleSurveyResults)
	admin.GET("/sessions/:id", s.HandleGetSession)
	admin.POST("/sessions/:id/cancel", s.HandleCancelSession)
	admin.POST("/reload", s.HandleReload)
	return e
}

func (s *Server) RunAPI(ctx context.Context, bind string) error {
	e := s.newAPI()
	srv := &http.Server{
		Addr:           bind,
		Handler:        e,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "err", err)
		}
	}()
	s.logger.Info("starting API server", "bind", bind)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, survey.ErrSurveyNotFound), errors.Is(err, survey.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, event.ErrInvalidEvent), errors.Is(err, survey.ErrInvalidDefinition), errors.Is(err, survey.ErrInvalidAnswer):
		return http.StatusBadRequest
	case errors.Is(err, survey.ErrSessionTerminal), errors.Is(err, survey.ErrSurveyInactive), errors.Is(err, survey.ErrSurveyExpired),
		errors.Is(err, survey.ErrAlreadyActive), errors.Is(err, survey.ErrAlreadyResponded):
		return http.StatusConflict
	case errors.Is(err, survey.ErrBusy), errors.Is(err, escalation.ErrBusy):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		code = statusFor(err)
		if code < 500 || code == http.StatusServiceUnavailable {
			msg = err.Error()
		}
	}
	if code >= 500 {
		s.logger.Warn("steward-http-internal-error", "err", err, "path", c.Path())
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": http.StatusText(code), "message": msg})
	}
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	if s.db == nil {
		return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "steward"})
	}
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.PingContext(c.Request().Context()); err != nil {
			s.logger.Error("database health check failed", "err", err)
			return c.JSON(http.StatusServiceUnavailable, GenericStatus{Status: "error", Daemon: "steward", Message: "database not available"})
		}
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "steward"})
}

func (s *Server) HandleIngestMessage(c echo.Context) error {
	var evt event.MessageEvent
	if err := c.Bind(&evt); err != nil {
		return err
	}
	out, err := s.engine.ProcessMessage(c.Request().Context(), &evt)
	if err != nil {
		return err
	}
	resp := MessageOutcome{
		Duplicate:  out.Duplicate,
		Violations: out.Violations,
		Transition: transitionView(out.Transition),
	}
	for _, a := range out.Actions {
		resp.Actions = append(resp.Actions, string(a.Kind))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) HandleIngestCommand(c echo.Context) error {
	var cmd event.CommandEvent
	if err := c.Bind(&cmd); err != nil {
		return err
	}
	out, err := s.engine.ProcessCommand(c.Request().Context(), &cmd)
	if err != nil {
		return err
	}
	resp := CommandOutcome{Duplicate: out.Duplicate, Reply: out.Reply}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) HandleUserStatus(c echo.Context) error {
	st, err := s.engine.UserStatus(c.Request().Context(), c.Param("guild"), c.Param("user"), time.Now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) HandleClearSanction(c echo.Context) error {
	actor := c.QueryParam("actor")
	if actor == "" {
		actor = "admin-api"
	}
	tr, err := s.engine.ClearSanction(c.Request().Context(), c.Param("guild"), c.Param("user"), actor, uuid.NewString(), time.Now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"cleared": tr != nil, "transition": transitionView(tr)})
}

func (s *Server) HandleListSurveys(c echo.Context) error {
	defs, err := s.surveys.ListActive(c.Request().Context(), c.QueryParam("guild"))
	if err != nil {
		return err
	}
	if defs == nil {
		defs = []models.SurveyDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

func (s *Server) HandleCreateSurvey(c echo.Context) error {
	var def models.SurveyDefinition
	if err := c.Bind(&def); err != nil {
		return err
	}
	out, err := s.surveys.Create(c.Request().Context(), &def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) HandleGetSurvey(c echo.Context) error {
	def, err := s.surveys.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) HandleActivateSurvey(c echo.Context) error {
	def, err := s.surveys.Activate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) HandleCloseSurvey(c echo.Context) error {
	def, err := s.surveys.Close(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) HandleSurveyResults(c echo.Context) error {
	res, err := s.surveys.Results(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if c.QueryParam("format") == "text" {
		return c.String(http.StatusOK, engine.FormatResults(res))
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) HandleGetSession(c echo.Context) error {
	sess, err := s.surveys.Session(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) HandleCancelSession(c echo.Context) error {
	sess, err := s.surveys.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) HandleReload(c echo.Context) error {
	ruleErrs, err := s.engine.Reload()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("reload failed, keeping current policy: %s", err))
	}
	disabled := []string{}
	for _, e := range ruleErrs {
		disabled = append(disabled, e.Error())
	}
	rs := s.engine.RuleSet()
	return c.JSON(http.StatusOK, map[string]any{"rules": len(rs.Rules), "enabled": rs.Enabled(), "disabled": disabled})
}
