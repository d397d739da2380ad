// security.go - Security response headers
package server

import (
	"net/http"
	"net/url"
	"strings"
)

// storageOrigin returns the scheme://host browsers use for pre-signed
// uploads, or "" when it cannot be derived.
func storageOrigin(cfg StorageConfig) string {
	raw := cfg.PublicEndpoint
	if raw == "" {
		raw = cfg.Endpoint
	}
	if raw == "" {
		if cfg.Driver == "s3" {
			return awsS3Origin(cfg.Bucket, cfg.Region)
		}
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// awsS3Origin is the host the SDK signs for when no endpoint is configured:
// virtual-hosted style, or path style for buckets with dots.
func awsS3Origin(bucket, region string) string {
	if bucket == "" {
		return ""
	}
	if region == "" {
		region = "us-east-1"
	}
	domain := "amazonaws.com"
	if strings.HasPrefix(region, "cn-") {
		domain = "amazonaws.com.cn"
	}
	host := "s3." + region + "." + domain
	if !strings.Contains(bucket, ".") {
		host = bucket + "." + host
	}
	return "https://" + host
}

// securityHeaders adds security headers to all responses. connectSrc lists
// extra origins the upload page may PUT to.
func securityHeaders(connectSrc ...string) func(http.Handler) http.Handler {
	connect := "'self'"
	for _, o := range connectSrc {
		if o != "" {
			connect += " " + o
		}
	}
	csp := "default-src 'self'; " +
		"script-src 'self' 'unsafe-inline'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data:; " +
		"connect-src " + connect + "; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self'"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			// Prevent clickjacking
			h.Set("X-Frame-Options", "DENY")
			// Prevent MIME sniffing
			h.Set("X-Content-Type-Options", "nosniff")
			// Share URLs carry the token; keep it out of Referer.
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", csp)
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
			next.ServeHTTP(w, r)
		})
	}
}
