package http

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// terminalTokenTTL bounds how long a client has between receiving a
// terminal_token from Allocate/AllocateAsync and presenting it to
// AttachTerminal.
const terminalTokenTTL = 30 * time.Minute

// terminalClaims binds a terminal_token to the lifecycle_token of the
// allocation that produced it (§6 AttachTerminal "validated token"). The
// lifecycle_token, unlike the eventual runner_id, is known immediately on
// both the synchronous and the async Allocate path, so it's the only claim
// issuance depends on.
type terminalClaims struct {
	jwt.RegisteredClaims
}

// issueTerminalToken signs a terminal_token scoped to lifecycleToken.
func (s *Server) issueTerminalToken(lifecycleToken string) (string, error) {
	now := time.Now()
	claims := terminalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   lifecycleToken,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(terminalTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// verifyTerminalToken checks raw is a currently-valid terminal_token issued
// for lifecycleToken, the runner's own lifecycle_token as held by the
// store.
func (s *Server) verifyTerminalToken(lifecycleToken, raw string) error {
	claims := &terminalClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return fmt.Errorf("terminal token: %w", err)
	}
	if !token.Valid || claims.Subject != lifecycleToken {
		return fmt.Errorf("terminal token does not authorize this runner")
	}
	return nil
}
