package mw

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, PUT, OPTIONS"
	corsHeaders = "Content-Type, Authorization"
)

// CORS lets the mentoring web app call the chat API from the browser. In dev
// every origin is echoed back; elsewhere only the API's own host and the
// configured origins are.
func CORS(env string, allowed []string) gin.HandlerFunc {
	extra := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		extra[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if env == "dev" || extra[origin] || sameHost(origin, c.Request.Host) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method != http.MethodOptions {
			c.Next()
			return
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)
		h.Set("Access-Control-Max-Age", "86400")
		c.AbortWithStatus(http.StatusNoContent)
	}
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host == host
}
