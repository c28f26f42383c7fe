// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// SecurityHeadersConfig holds configuration for the security headers
// middleware.
type SecurityHeadersConfig struct {
	// EnableHSTS enables the Strict-Transport-Security header. Only
	// meaningful when the service terminates TLS itself.
	EnableHSTS bool
	// HSTSMaxAge is the max-age value for the HSTS header.
	HSTSMaxAge int
	// HSTSIncludeSubdomains adds includeSubDomains to HSTS.
	HSTSIncludeSubdomains bool
	// EnableCORS enables CORS headers for browser clients.
	EnableCORS bool
	// CORSAllowedOrigins is the list of allowed origins.
	CORSAllowedOrigins []string
	// CORSAllowedMethods is the list of allowed HTTP methods.
	CORSAllowedMethods []string
	// CORSAllowedHeaders is the list of allowed request headers.
	CORSAllowedHeaders []string
	// CORSMaxAge is the preflight cache lifetime in seconds.
	CORSMaxAge int
}

// DefaultSecurityHeadersConfig returns the defaults for a JSON API that
// sits behind a TLS-terminating proxy.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		EnableHSTS:            false,
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: false,
		EnableCORS:            false,
		CORSAllowedOrigins:    []string{"*"},
		CORSAllowedMethods:    []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders:    []string{"Content-Type", "Authorization", "X-Correlation-ID", "Idempotency-Key"},
		CORSMaxAge:            3600,
	}
}

// SecurityHeaders returns middleware that stamps standard security headers
// on every response and answers CORS preflights when enabled.
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")

			if cfg.EnableHSTS {
				hstsValue := "max-age=" + strconv.Itoa(cfg.HSTSMaxAge)
				if cfg.HSTSIncludeSubdomains {
					hstsValue += "; includeSubDomains"
				}
				w.Header().Set("Strict-Transport-Security", hstsValue)
			}

			if cfg.EnableCORS {
				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Origin", strings.Join(cfg.CORSAllowedOrigins, ","))
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.CORSAllowedMethods, ","))
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.CORSAllowedHeaders, ","))
					if cfg.CORSMaxAge > 0 {
						w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.CORSMaxAge))
					}
					w.WriteHeader(http.StatusNoContent)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", strings.Join(cfg.CORSAllowedOrigins, ","))
			}

			next.ServeHTTP(w, r)
		})
	}
}
