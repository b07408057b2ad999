package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/outpostrun/outpost/internal/fleethealth"
)

// healthLive is the liveness probe: the process is up and serving.
func (s *Server) healthLive(c echo.Context) error {
	return ok(c, http.StatusOK, map[string]string{"status": "alive"})
}

// healthReady is the readiness probe: the core dependencies (store, pool)
// are reachable enough to accept traffic.
func (s *Server) healthReady(c echo.Context) error {
	snap, err := s.health.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	if snap.Status == fleethealth.StatusUnhealthy {
		return respondErrorFromSnapshot(c, snap)
	}
	return ok(c, http.StatusOK, map[string]interface{}{"status": snap.Status})
}

// healthFleet renders the full fleet-health snapshot from §4.7's
// health/fleet contract.
func (s *Server) healthFleet(c echo.Context) error {
	snap, err := s.health.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, snap)
}

func respondErrorFromSnapshot(c echo.Context, snap *fleethealth.Snapshot) error {
	respondError(c, http.StatusServiceUnavailable, "service_unavailable", "fleet is unhealthy")
	return nil
}
