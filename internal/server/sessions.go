package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	core "github.com/prospecthq/prospect/internal/agent/core"
	"github.com/prospecthq/prospect/internal/runtime"
	"github.com/prospecthq/prospect/internal/store"
	"github.com/prospecthq/prospect/session"
)

// Agent is the orchestration surface the HTTP layer drives.
type Agent interface {
	RunTurn(ctx context.Context, sess *core.Session, input string) (core.TurnResult, error)
	Refine(ctx context.Context, sess *core.Session, instruction string) (core.TurnResult, error)
	Cancel(sessionID string) bool
	EndSession(sessionID string)
}

type SessionsHandler struct {
	Sessions session.Store
	Store    *store.Store // optional durable history; nil skips persistence
	Agent    Agent
	TTL      time.Duration
	Logger   *log.Logger
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.delete)
	g.POST("/:id/turns", h.submitTurn)
	g.POST("/:id/refine", h.refine)
	g.POST("/:id/cancel", h.cancel)
	g.GET("/:id/state", h.state)
	g.GET("/:id/report", h.downloadReport)
}

func (h *SessionsHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.Sessions.Create(c.Request().Context(), userID, req.Title, h.TTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Store != nil {
		_ = h.Store.UpsertSession(c.Request().Context(), store.SessionRecord{ID: sess.ID, UserID: userID, Title: sess.Title})
	}
	return c.JSON(http.StatusCreated, sessionResponse(sess))
}

func (h *SessionsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	sessions, err := h.Sessions.List(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse(s))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) delete(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	if h.Agent != nil {
		h.Agent.EndSession(sess.ID)
	}
	if err := h.Sessions.Delete(c.Request().Context(), sess.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Store != nil {
		_ = h.Store.DeleteSession(c.Request().Context(), sess.ID, sess.UserID)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SessionsHandler) submitTurn(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	result, err := h.Agent.RunTurn(c.Request().Context(), sess, req.Content)
	if errors.Is(err, core.ErrTurnInFlight) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Sessions.Save(c.Request().Context(), sess, h.TTL); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.persistTurns(c.Request().Context(), sess, result)
	return c.JSON(http.StatusOK, turnResponse(result))
}

func (h *SessionsHandler) refine(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	var req RefineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Instruction == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "instruction is required")
	}

	result, err := h.Agent.Refine(c.Request().Context(), sess, req.Instruction)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err := h.Sessions.Save(c.Request().Context(), sess, h.TTL); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.persistTurns(c.Request().Context(), sess, result)
	return c.JSON(http.StatusOK, turnResponse(result))
}

func (h *SessionsHandler) cancel(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	if !h.Agent.Cancel(sess.ID) {
		return echo.NewHTTPError(http.StatusNotFound, "no turn in flight")
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *SessionsHandler) state(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	st := sess.State
	resp := StateResponse{
		Persona:    string(st.Persona),
		Cursor:     st.Cursor,
		Gaps:       st.Gaps,
		Iterations: st.Iterations,
		HasReport:  !st.Report.Empty(),
	}
	if st.Plan != nil {
		for _, step := range st.Plan.Steps {
			resp.PlanSteps = append(resp.PlanSteps, PlanStep{ID: step.ID, Target: step.Target, StartTier: string(step.StartTier)})
		}
	}
	for _, te := range st.Trace {
		resp.Trace = append(resp.Trace, TraceEntry{Node: string(te.Node), Action: te.Action, Detail: te.Detail, Timestamp: te.Timestamp})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *SessionsHandler) downloadReport(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	if sess.State.Report.Empty() {
		return echo.NewHTTPError(http.StatusNotFound, "no report for this session")
	}
	md := sess.State.Report.Markdown()
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", "report-"+sess.ID+".md"))
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(md))
}

// owned fetches the named session and enforces that it belongs to the
// authenticated user.
func (h *SessionsHandler) owned(c echo.Context) (*core.Session, error) {
	userID := c.Get("user_id").(string)
	sess, err := h.Sessions.Get(c.Request().Context(), c.Param("id"))
	if err == session.ErrNotFound {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sess.UserID != userID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return sess, nil
}

// persistTurns mirrors the tail of the in-memory transcript and the latest
// report into Postgres. Failures are logged, not surfaced; the turn already
// succeeded from the caller's perspective.
func (h *SessionsHandler) persistTurns(ctx context.Context, sess *core.Session, result core.TurnResult) {
	if h.Store == nil {
		return
	}
	_ = h.Store.UpsertSession(ctx, store.SessionRecord{ID: sess.ID, UserID: sess.UserID, Title: sess.Title})
	start := len(sess.Turns) - 2
	if start < 0 {
		start = 0
	}
	for _, turn := range sess.Turns[start:] {
		_, err := h.Store.AppendTurn(ctx, store.TurnRecord{
			SessionID: sess.ID,
			TurnID:    turn.ID,
			Role:      turn.Role,
			Content:   turn.Content,
			Terminal:  string(turn.Terminal),
		})
		if err != nil && h.Logger != nil {
			h.Logger.Printf("persist turn %s: %v", turn.ID, err)
		}
	}
	if result.Report != nil {
		err := h.Store.SaveReport(ctx, store.ReportRecord{
			SessionID: sess.ID,
			Markdown:  result.Report.Markdown(),
			Caveat:    result.Report.Caveat,
		})
		if err != nil && h.Logger != nil {
			h.Logger.Printf("persist report for %s: %v", sess.ID, err)
		}
	}
}

func sessionResponse(s *core.Session) SessionResponse {
	return SessionResponse{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

func turnResponse(r core.TurnResult) TurnResponse {
	resp := TurnResponse{Terminal: string(r.Terminal), Reply: r.Reply}
	for _, te := range r.Trace {
		resp.Trace = append(resp.Trace, TraceEntry{Node: string(te.Node), Action: te.Action, Detail: te.Detail, Timestamp: te.Timestamp})
	}
	return resp
}
