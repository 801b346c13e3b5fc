package llm

import (
	"context"
	"errors"
	"time"

	"github.com/hellio/hrchat/internal/observability"
)

// Retrying retries transient failures with exponential backoff. Other errors return immediately.
type Retrying struct {
	next       Completer
	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewRetrying(next Completer, maxRetries int, backoff time.Duration) *Retrying {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrying{
		next:       next,
		maxRetries: maxRetries,
		backoff:    backoff,
		sleep:      sleepContext,
	}
}

func (r *Retrying) Complete(ctx context.Context, prompt Prompt) (string, error) {
	for attempt := 0; ; attempt++ {
		text, err := r.next.Complete(ctx, prompt)
		observability.ObserveLLMCall(prompt.Purpose, err)
		if err == nil {
			return text, nil
		}
		if !errors.Is(err, ErrTransient) || attempt >= r.maxRetries {
			return "", err
		}
		if sleepErr := r.sleep(ctx, r.backoff<<attempt); sleepErr != nil {
			return "", err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
