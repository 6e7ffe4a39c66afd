// Package security provides HTTP hardening middleware.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// The service serves JSON and a WebSocket upgrade, never documents.
const contentSecurityPolicy = "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"

// HeadersMiddleware adds security headers to all responses.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", contentSecurityPolicy)
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

var allowedHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	"X-Request-ID",
	"X-User-ID",
}, ", ")

// CORSMiddleware answers cross-origin requests from allowedOrigins. An empty
// list or "*" allows every origin.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	wildcard := len(allowedOrigins) == 0 || origins["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && (wildcard || origins[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials with a reflected wildcard would let any site act as the user.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
