package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

// Logger is the minimal logging surface Do needs. Both *log.Logger and
// *logrus.Logger satisfy it.
type Logger interface {
	Printf(format string, args ...interface{})
}

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. The whole call is bounded by cfg.Timeout.
func Do(ctx context.Context, logger Logger, cfg Config, op string, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	attempts := 0
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out after %v: %w", op, cfg.Timeout, opCtx.Err())
		default:
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}

		err := fn(opCtx)
		attempts++
		if err == nil {
			if attempt > 0 {
				logger.Printf("%s succeeded on attempt %d", op, attempt+1)
			}
			return nil
		}

		lastErr = err
		if !Transient(err) || attempt == cfg.MaxRetries {
			break
		}

		logger.Printf("%s attempt %d/%d failed: %v, retrying in %v", op, attempt+1, cfg.MaxRetries+1, err, backoff)
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

func nextBackoff(current, limit time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > limit {
		backoff = limit
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			jitter := time.Duration(jitterVal.Int64())
			backoff += jitter
		}
	}

	return backoff
}

// Transient reports whether err looks like a temporary infrastructure
// failure worth retrying. Business rejections never match.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"500", // HTTP 500 Internal Server Error
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
