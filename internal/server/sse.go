package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcwatch/internal/broadcast"
)

// handleFollow streams appended log lines as server-sent events named "line".
func (r *Router) handleFollow(c *gin.Context) {
	req, ok := logRequest(c)
	if !ok {
		return
	}
	// validate before committing to a streaming response
	if _, _, _, err := r.b.ResolveLog(req); err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	err := r.b.FollowLogs(ctx, req, func(line string) error {
		c.SSEvent("line", line)
		c.Writer.Flush()
		return ctx.Err()
	})
	if err != nil && !errors.Is(err, ctx.Err()) && !errors.Is(err, broadcast.ErrServiceNotFound) {
		r.logger.Warn("log follow ended", "service", req.ServiceID, "error", err)
		c.SSEvent("error", err.Error())
		c.Writer.Flush()
	}
}
