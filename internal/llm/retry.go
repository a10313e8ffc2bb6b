package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	DefaultMaxRetries = 3
	retryBaseDelay    = 500 * time.Millisecond
)

type retrying struct {
	Client
	maxRetries int
	baseDelay  time.Duration
	logger     zerolog.Logger
}

// WithRetry retries transient failures of c with exponential backoff.
// Client errors other than 408, 409 and 429 are returned immediately.
func WithRetry(c Client, maxRetries int, logger zerolog.Logger) Client {
	if maxRetries <= 0 {
		return c
	}
	return &retrying{Client: c, maxRetries: maxRetries, baseDelay: retryBaseDelay, logger: logger}
}

func (r *retrying) Chat(ctx context.Context, history []Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.baseDelay * time.Duration(1<<uint(attempt-1))
			r.logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying LLM call")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		text, err := r.Client.Chat(ctx, history)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

// retryable reports whether err is worth another attempt: throttling, server
// errors and broken connections. Empty replies and local request or decode
// errors are returned at once.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyResponse) {
		return false
	}
	switch code := statusCode(err); {
	case code == 0:
		var ne net.Error
		return errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
	case code == 408, code == 409, code == 429:
		return true
	default:
		return code >= 500
	}
}

// statusCode extracts the HTTP status from any provider SDK error, or 0.
func statusCode(err error) int {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var oe *openai.APIError
	if errors.As(err, &oe) {
		return oe.HTTPStatusCode
	}
	var re *openai.RequestError
	if errors.As(err, &re) {
		return re.HTTPStatusCode
	}
	var ge genai.APIError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return 0
}

type rateLimited struct {
	Client
	limiter *rate.Limiter
}

// WithRateLimit spaces calls to c at rps requests per second. A
// non-positive rps disables limiting.
func WithRateLimit(c Client, rps float64, burst int) Client {
	if rps <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{Client: c, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *rateLimited) Chat(ctx context.Context, history []Message) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.Client.Chat(ctx, history)
}
