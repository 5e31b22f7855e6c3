package server

import (
	"encoding/json"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase normalizes a mount prefix to "" or "/a/b".
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// writeJSON writes v as JSON. Responses are live readings, so they are
// marked uncacheable.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Header("Cache-Control", "no-store")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// queryNonNegative parses an optional non-negative integer query parameter.
// A missing parameter yields 0.
func queryNonNegative(c *gin.Context, key string) (int, bool) {
	s := strings.TrimSpace(c.Query(key))
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
