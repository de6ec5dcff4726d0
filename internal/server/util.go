package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

// maxKeyLen bounds memory ids accepted from query strings.
const maxKeyLen = 256

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeKey validates memory entry ids taken from requests.
// Allowed characters: A-Z a-z 0-9 . _ - : and no "..".
func isSafeKey(s string) bool {
	if s == "" || len(s) > maxKeyLen {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' || r == ':' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
