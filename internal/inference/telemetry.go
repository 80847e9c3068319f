package inference

import (
	"context"
	"strings"
	"time"

	"github.com/kurahq/kura/internal/domain"
)

// hint word lists used to classify an opaque error message into the stable
// taxonomy, ported from inference_telemetry.py's substring-matching
// classifier.
var (
	insufficientDataHints = []string{"insufficient", "not enough", "too few", "minimum", "empty"}
	numericHints          = []string{"singular", "nan", "inf", "overflow", "ill-conditioned", "determinant"}
	engineUnavailableHints = []string{"unavailable", "connection refused", "timeout", "timed out", "circuit open"}
)

// ClassifyError maps an inference failure's error text to the stable
// taxonomy spec §7 requires, matching classify_inference_error's
// hint-word substring matching with insufficient_data checked first (it is
// the most actionable classification for callers).
func ClassifyError(err error) domain.InferenceErrorClass {
	if err == nil {
		return domain.InferenceErrUnexpected
	}
	msg := strings.ToLower(err.Error())

	if containsAny(msg, insufficientDataHints) {
		return domain.InferenceErrInsufficientData
	}
	if containsAny(msg, numericHints) {
		return domain.InferenceErrNumericInstablity
	}
	if containsAny(msg, engineUnavailableHints) {
		return domain.InferenceErrEngineUnavailable
	}
	return domain.InferenceErrUnexpected
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

// RunRecorder persists an InferenceRun row for telemetry/audit.
type RunRecorder interface {
	RecordInferenceRun(ctx context.Context, run domain.InferenceRun) error
}

// SafeRecordRun builds an InferenceRun from the outcome and hands it to
// recorder, returning the recorder's error unchanged. The inference handlers
// discard that error, so a persistence failure never discards an inference
// result.
func SafeRecordRun(ctx context.Context, recorder RunRecorder, userID, engine string, started time.Time, input, output map[string]any, runErr error) error {
	run := domain.InferenceRun{
		UserID: userID, Engine: engine, StartedAt: started, CompletedAt: time.Now(),
		Input: input, Output: output,
	}
	if runErr != nil {
		run.Status = domain.InferenceFailed
		run.ErrorClass = ClassifyError(runErr)
	} else {
		run.Status = domain.InferenceSucceeded
	}
	return recorder.RecordInferenceRun(ctx, run)
}
