package failover

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/browsergate/internal/models"
)

// Candidate is one attemptable target: an adapter type (or worker name)
// paired with the model key to use against it.
type Candidate struct {
	Name     string // adapter type or worker name, for logging
	ModelKey string
}

// AttemptFunc tries one candidate and returns its result.
type AttemptFunc func(ctx context.Context, candidate Candidate) (*models.GenerationResult, error)

// OnRetryFunc observes a failed attempt before the executor advances.
type OnRetryFunc func(candidate Candidate, err error, attempt int)

// Classification is the normalized view of an attempt error.
type Classification struct {
	Message   string
	Code      models.ErrorCode
	Retryable bool
}

// Classify normalizes an attempt error into (message, code, retryable).
// Retryable kinds: timeouts, page invalidation, transient upstream
// failures, and captcha triggers (another worker may be warm). Model and
// image-policy rejections are never retryable, and neither is the
// catch-all for unrecognized strings.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var gwErr *models.GatewayError
	if errors.As(err, &gwErr) {
		switch gwErr.Code {
		case models.ErrCodeInvalidModel, models.ErrCodeImageRequired, models.ErrCodeImageForbidden, models.ErrCodeUnauthorized:
			return Classification{Message: gwErr.Message, Code: gwErr.Code, Retryable: false}
		case models.ErrCodeGenerationFailed:
			return Classification{Message: gwErr.Message, Code: gwErr.Code, Retryable: true}
		default:
			return Classification{Message: gwErr.Message, Code: gwErr.Code, Retryable: false}
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "recaptcha validation failed"):
		return Classification{Message: msg, Code: models.ErrCodeRecaptcha, Retryable: true}
	case strings.Contains(msg, "Timeout"):
		return Classification{Message: msg, Code: models.ErrCodeGenerationFailed, Retryable: true}
	case strings.Contains(msg, "PAGE_CLOSED"), strings.Contains(msg, "PAGE_CRASHED"), strings.Contains(msg, "PAGE_INVALID"):
		return Classification{Message: msg, Code: models.ErrCodeGenerationFailed, Retryable: true}
	case strings.Contains(msg, "HTTP 5"):
		return Classification{Message: msg, Code: models.ErrCodeGenerationFailed, Retryable: true}
	case strings.Contains(msg, "HTTP "):
		return Classification{Message: msg, Code: models.ErrCodeGenerationFailed, Retryable: false}
	case errors.Is(err, context.Canceled):
		return Classification{Message: msg, Code: models.ErrCodeInternalError, Retryable: false}
	default:
		return Classification{Message: msg, Code: models.ErrCodeInternalError, Retryable: false}
	}
}

// Execute walks the ordered candidate list applying the retry policy.
// maxRetries 0 means "try every candidate once"; otherwise effective
// attempts are min(maxRetries+1, len(candidates)). A non-retryable
// failure skips to the next candidate without consuming the retry budget:
// the next candidate is a different adapter and may not share the
// limitation. Exhaustion wraps the last error with FAILOVER_EXHAUSTED.
func Execute(ctx context.Context, candidates []Candidate, attempt AttemptFunc, maxRetries int, onRetry OnRetryFunc) (*models.GenerationResult, error) {
	if len(candidates) == 0 {
		return nil, models.NewGatewayError(models.ErrCodeInvalidModel, "no candidates available")
	}

	budget := len(candidates)
	if maxRetries > 0 && maxRetries+1 < budget {
		budget = maxRetries + 1
	}

	var lastErr error
	attempts := 0

	for i, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}

		result, err := attempt(ctx, candidate)
		if err == nil {
			return result, nil
		}
		lastErr = err

		cls := Classify(err)
		if cls.Retryable {
			attempts++
		}

		if onRetry != nil && i < len(candidates)-1 {
			onRetry(candidate, err, i)
		}

		if maxRetries > 0 && attempts >= budget {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no attempt executed")
	}

	return nil, models.WrapGatewayError(models.ErrCodeFailoverExhausted,
		fmt.Sprintf("all candidates failed, last error: %s", Classify(lastErr).Message), lastErr)
}
