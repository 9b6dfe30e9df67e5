// Package limiter throttles login attempts per (username, IP) pair.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter tracks failed logins and enforces temporary lockouts.
type Limiter interface {
	// Allow reports whether a login attempt may proceed, with a
	// retry-after hint when it may not.
	Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
	// Success clears the failure counter after a good login.
	Success(ctx context.Context, username string, ipHash []byte) error
	// Failure records a bad attempt and reports whether it tripped a block.
	Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
}

// HashIP hashes a client address so raw IPs never reach storage.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}
