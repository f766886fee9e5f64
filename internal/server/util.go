package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type errorResp struct {
	Error string `json:"error"`
}

// sanitizeBase normalizes a mount prefix to "" or "/x/y" without a trailing slash.
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// isSafeName accepts daemon names made of [A-Za-z0-9._-] that neither start
// with '.' nor contain "..", matching what config allows.
func isSafeName(s string) bool {
	if s == "" || s[0] == '.' || strings.Contains(s, "..") {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '.' || r == '_' || r == '-')
	}) < 0
}

// nameParam returns the :name path parameter, answering 400 when it is unsafe.
func nameParam(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid daemon name " + strconv.Quote(name)})
		return "", false
	}
	return name, true
}

// limitQuery parses ?limit=N; absent means 0 (everything).
func limitQuery(c *gin.Context) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
