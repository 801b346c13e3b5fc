package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hellio/hrchat/internal/llm"
	"github.com/hellio/hrchat/internal/query"
)

type answerer struct {
	completer   llm.Completer
	previewRows int
	timeout     time.Duration
}

// answer never calls the model for an empty result, so an empty result cannot produce invented data.
func (a answerer) answer(ctx context.Context, question, executedSQL string, result query.Result) (string, error) {
	if result.RowCount == 0 {
		return NoRecordsAnswer, nil
	}
	prompt, err := AnswerPrompt(question, executedSQL, result, a.previewRows)
	if err != nil {
		return "", err
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	text, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("model returned an empty answer")
	}
	return text, nil
}
