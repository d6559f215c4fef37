package compute

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/boxdhq/boxd-control-plane/internal/metrics"
)

func retryAWS(ctx context.Context, opName string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("boxd_aws_retry_exhausted_total", map[string]string{"op": opName})
			return err
		}
		metrics.Default().IncCounter("boxd_aws_retries_total", map[string]string{
			"op":     opName,
			"reason": awsErrorCode(err),
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=aws_retry op=%s attempt=%d delay_ms=%d err=%q", opName, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	max := uint64(span)
	n := binary.LittleEndian.Uint64(raw[:]) % max
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"EC2ThrottledException",
		"InsufficientInstanceCapacity":
		return true
	default:
		return false
	}
}

func shouldIgnoreTerminateError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "InvalidInstanceID.NotFound" || code == "IncorrectInstanceState"
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
