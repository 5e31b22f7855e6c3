package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcwatch/internal/broadcast"
	"github.com/loykin/svcwatch/internal/snapshot"
)

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{Status: "ok", Timestamp: time.Now()})
}

func (r *Router) handleReady(c *gin.Context) {
	if r.ready != nil && !r.ready() {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "not ready", Timestamp: time.Now()})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{Status: "ready", Timestamp: time.Now()})
}

func (r *Router) handleSnapshot(c *gin.Context) {
	id := c.Query("service")
	if id == "" {
		writeJSON(c, http.StatusOK, r.b.Snapshot(c.Request.Context()))
		return
	}
	if _, err := r.b.Catalog().Lookup(id); err != nil {
		writeError(c, err)
		return
	}
	snap := r.b.Snapshot(c.Request.Context())
	st, _ := snap.Service(id)
	writeJSON(c, http.StatusOK, &snapshot.Snapshot{
		Services:  []snapshot.ServiceStatus{st},
		System:    snap.System,
		Timestamp: snap.Timestamp,
	})
}

func (r *Router) handleServices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.Services(c.Request.Context()))
}

func (r *Router) handleService(c *gin.Context) {
	st, err := r.b.Service(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleSystem(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.System(c.Request.Context()))
}

func (r *Router) handleLogs(c *gin.Context) {
	req, ok := logRequest(c)
	if !ok {
		return
	}
	res, err := r.b.Logs(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleMonitor(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.Stats())
}

// logRequest parses path and query parameters, writing a 400 on failure.
func logRequest(c *gin.Context) (broadcast.LogRequest, bool) {
	req := broadcast.LogRequest{ServiceID: c.Param("id"), Kind: c.Query("type")}
	n, ok := queryNonNegative(c, "lines")
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be a non-negative integer"})
		return req, false
	}
	req.Lines = n
	return req, true
}

// writeError maps request-level errors to status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, broadcast.ErrServiceNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: "service not found"})
	case errors.Is(err, broadcast.ErrInvalidLogKind), errors.Is(err, broadcast.ErrInvalidLines):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}
