package app

import (
	"errors"
	"net/url"
	"strings"
)

// ValidateSecurityConfig enforces the startup security policy.
// Fail-fast: a misconfigured production deploy must not come up half-protected.
func ValidateSecurityConfig(cfg Config) error {
	u, err := url.Parse(cfg.PublicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("security policy: ATTEND_PUBLIC_BASE_URL must be an absolute URL")
	}
	if cfg.RequireHTTPSLinks && u.Scheme != "https" {
		return errors.New("security policy: ATTEND_REQUIRE_HTTPS_LINKS=true but ATTEND_PUBLIC_BASE_URL is not https")
	}

	if cfg.WS.DevInsecure {
		for _, o := range cfg.WS.AllowedOrigins {
			if !isLoopbackOrigin(o) {
				return errors.New("security policy: ATTEND_WS_DEV_INSECURE=true is only allowed with loopback origins")
			}
		}
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" && strings.TrimSpace(cfg.Auth.OperatorKeyHash) == "" {
		return errors.New("security policy: set ATTEND_JWT_SECRET or ATTEND_OPERATOR_KEY_HASH")
	}
	return nil
}

func isLoopbackOrigin(o string) bool {
	u, err := url.Parse(strings.TrimSpace(o))
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
