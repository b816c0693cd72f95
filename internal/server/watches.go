package server

import (
	"net/http"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/prospecthq/prospect/internal/runtime"
	"github.com/prospecthq/prospect/internal/store"
)

// WatchesHandler manages saved research queries refreshed on a schedule.
type WatchesHandler struct {
	Store *store.Store
}

func (h *WatchesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.DELETE("/:id", h.delete)
}

func (h *WatchesHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req WatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.CronSpec != "@daily" && req.CronSpec != "@hourly" {
		if _, err := cronexpr.Parse(req.CronSpec); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cron spec")
		}
	}
	rec, err := h.Store.CreateWatch(c.Request().Context(), store.WatchRecord{
		UserID:   userID,
		Query:    req.Query,
		CronSpec: req.CronSpec,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, watchResponse(rec))
}

func (h *WatchesHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	recs, err := h.Store.ListWatches(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]WatchResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, watchResponse(rec))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *WatchesHandler) delete(c echo.Context) error {
	userID := c.Get("user_id").(string)
	if err := h.Store.DeleteWatch(c.Request().Context(), c.Param("id"), userID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func watchResponse(rec store.WatchRecord) WatchResponse {
	return WatchResponse{
		ID:        rec.ID,
		Query:     rec.Query,
		CronSpec:  rec.CronSpec,
		LastRunAt: rec.LastRunAt,
		CreatedAt: rec.CreatedAt,
	}
}
