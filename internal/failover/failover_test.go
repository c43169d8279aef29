package failover

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/browsergate/internal/models"
)

func TestClassifyGatewayErrors(t *testing.T) {
	tests := []struct {
		code      models.ErrorCode
		retryable bool
	}{
		{models.ErrCodeInvalidModel, false},
		{models.ErrCodeImageRequired, false},
		{models.ErrCodeImageForbidden, false},
		{models.ErrCodeUnauthorized, false},
		{models.ErrCodeGenerationFailed, true},
		{models.ErrCodeInternalError, false},
	}
	for _, tt := range tests {
		cls := Classify(models.NewGatewayError(tt.code, "x"))
		assert.Equal(t, tt.code, cls.Code, string(tt.code))
		assert.Equal(t, tt.retryable, cls.Retryable, string(tt.code))
	}
}

func TestClassifyStringErrors(t *testing.T) {
	tests := []struct {
		msg       string
		code      models.ErrorCode
		retryable bool
	}{
		{"recaptcha validation failed", models.ErrCodeRecaptcha, true},
		{"Timeout waiting for upstream response", models.ErrCodeGenerationFailed, true},
		{"PAGE_CLOSED: tab went away", models.ErrCodeGenerationFailed, true},
		{"PAGE_CRASHED: target crashed", models.ErrCodeGenerationFailed, true},
		{"PAGE_INVALID: context detached", models.ErrCodeGenerationFailed, true},
		{"HTTP 502 from upstream", models.ErrCodeGenerationFailed, true},
		{"HTTP 403 from upstream", models.ErrCodeGenerationFailed, false},
		{"something else entirely", models.ErrCodeInternalError, false},
	}
	for _, tt := range tests {
		cls := Classify(errors.New(tt.msg))
		assert.Equal(t, tt.code, cls.Code, tt.msg)
		assert.Equal(t, tt.retryable, cls.Retryable, tt.msg)
	}
}

func TestExecuteFirstCandidateSucceeds(t *testing.T) {
	calls := 0
	result, err := Execute(context.Background(),
		[]Candidate{{Name: "a"}, {Name: "b"}},
		func(ctx context.Context, c Candidate) (*models.GenerationResult, error) {
			calls++
			return &models.GenerationResult{Text: c.Name}, nil
		}, 2, nil)

	require.NoError(t, err)
	assert.Equal(t, "a", result.Text)
	assert.Equal(t, 1, calls)
}

func TestExecuteFailsOver(t *testing.T) {
	result, err := Execute(context.Background(),
		[]Candidate{{Name: "a"}, {Name: "b"}},
		func(ctx context.Context, c Candidate) (*models.GenerationResult, error) {
			if c.Name == "a" {
				return nil, errors.New("Timeout waiting for upstream response")
			}
			return &models.GenerationResult{Text: "b"}, nil
		}, 2, nil)

	require.NoError(t, err)
	assert.Equal(t, "b", result.Text)
}

func TestExecuteExhaustionWrapsLastError(t *testing.T) {
	_, err := Execute(context.Background(),
		[]Candidate{{Name: "a"}, {Name: "b"}},
		func(ctx context.Context, c Candidate) (*models.GenerationResult, error) {
			return nil, errors.New("HTTP 502 from upstream")
		}, 2, nil)

	require.Error(t, err)
	gwErr := models.AsGatewayError(err)
	assert.Equal(t, models.ErrCodeFailoverExhausted, gwErr.Code)
	assert.Contains(t, gwErr.Message, "all candidates failed")
	assert.Contains(t, gwErr.Message, "HTTP 502 from upstream")
}

func TestExecuteRetryBudget(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(),
		[]Candidate{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}},
		func(ctx context.Context, c Candidate) (*models.GenerationResult, error) {
			calls++
			return nil, errors.New("Timeout waiting for upstream response")
		}, 1, nil)

	require.Error(t, err)
	// maxRetries 1 allows two retryable attempts.
	assert.Equal(t, 2, calls)
}

func TestExecuteZeroMaxRetriesTriesAllOnce(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(),
		[]Candidate{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		func(ctx context.Context, c Candidate) (*models.GenerationResult, error) {
			calls++
			return nil, errors.New("Timeout waiting for upstream response")
		}, 0, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteNonRetryableAdvancesWithoutConsumingBudget(t *testing.T) {
	calls := 0
	result, err := Execute(context.Background(),
		[]Candidate{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		func(ctx context.Context, c Candidate) (*models.GenerationResult, error) {
			calls++
			if c.Name == "c" {
				return &models.GenerationResult{Text: "c"}, nil
			}
			// Model rejections never consume the retry budget.
			return nil, models.NewGatewayError(models.ErrCodeInvalidModel, "not here")
		}, 1, nil)

	require.NoError(t, err)
	assert.Equal(t, "c", result.Text)
	assert.Equal(t, 3, calls)
}

func TestExecuteOnRetryHook(t *testing.T) {
	var seen []string
	Execute(context.Background(),
		[]Candidate{{Name: "a"}, {Name: "b"}},
		func(ctx context.Context, c Candidate) (*models.GenerationResult, error) {
			return nil, errors.New("Timeout waiting for upstream response")
		}, 0, func(c Candidate, err error, attempt int) {
			seen = append(seen, c.Name)
		})

	// The hook fires between candidates, not after the last one.
	assert.Equal(t, []string{"a"}, seen)
}

func TestExecuteNoCandidates(t *testing.T) {
	_, err := Execute(context.Background(), nil,
		func(ctx context.Context, c Candidate) (*models.GenerationResult, error) {
			return nil, nil
		}, 2, nil)

	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInvalidModel, models.AsGatewayError(err).Code)
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Execute(ctx,
		[]Candidate{{Name: "a"}},
		func(ctx context.Context, c Candidate) (*models.GenerationResult, error) {
			calls++
			return nil, nil
		}, 2, nil)

	require.Error(t, err)
	assert.Equal(t, 0, calls)
}
