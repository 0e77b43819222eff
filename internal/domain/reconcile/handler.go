package reconcile

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the reconciled dashboard over HTTP.
type Handler struct {
	coord *Coordinator
}

func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/dashboard", h.GetDashboard)
	api.GET("/dashboard/patients/:id", h.GetPatientBundle)
	api.GET("/dashboard/status", h.GetStatus)
	api.POST("/dashboard/refresh", h.TriggerRefresh)
}

// GetDashboard returns the cached snapshot. Before the first successful
// cycle there is nothing to serve and the endpoint answers 503.
func (h *Handler) GetDashboard(c echo.Context) error {
	snap := h.coord.CachedSnapshot()
	if snap == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no snapshot available yet")
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) GetPatientBundle(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing patient id")
	}
	bundle := h.coord.PatientBundle(id)
	if bundle == nil {
		return echo.NewHTTPError(http.StatusNotFound, "patient not in current snapshot")
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.coord.Status())
}

// TriggerRefresh starts a cycle on demand. The refresh itself coalesces
// with any cycle already in flight, so the endpoint always answers 202
// once the coordinator is initialized.
func (h *Handler) TriggerRefresh(c echo.Context) error {
	tryLive := c.QueryParam("tryLive") == "true"
	if err := h.coord.Refresh(c.Request().Context(), RefreshOptions{TryLive: tryLive}); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "refresh started"})
}
