package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

// AlertFunc is invoked when a job fails or panics.
type AlertFunc func(ctx context.Context, job *rivertype.JobRow, err error)

// AlertingErrorHandler logs and forwards job failures for alerting.
type AlertingErrorHandler struct {
	Logger *slog.Logger
	Notify AlertFunc
}

// NewAlertingErrorHandler builds an ErrorHandler that logs and forwards errors.
func NewAlertingErrorHandler(logger *slog.Logger, notify AlertFunc) *AlertingErrorHandler {
	return &AlertingErrorHandler{
		Logger: logger,
		Notify: notify,
	}
}

func (h *AlertingErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	if h.Logger != nil {
		h.Logger.Error("job failed",
			"job_id", job.ID,
			"kind", job.Kind,
			"attempt", job.Attempt,
			"max_attempts", job.MaxAttempts,
			"retryable", dataset.IsRetryable(err),
			"error", err,
		)
	}
	if h.Notify != nil {
		h.Notify(ctx, job, err)
	}
	return nil
}

func (h *AlertingErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	panicErr := fmt.Errorf("panic: %v", panicVal)
	if h.Logger != nil {
		h.Logger.Error("job panicked", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", panicErr, "trace", trace)
	}
	if h.Notify != nil {
		h.Notify(ctx, job, panicErr)
	}
	return nil
}

// LogAlert returns an AlertFunc that reports failures through logger. Only the
// last attempt of a job and fatal errors are logged at error level.
func LogAlert(logger zerolog.Logger) AlertFunc {
	logger = logger.With().Str("component", "alerts").Logger()
	return func(_ context.Context, job *rivertype.JobRow, err error) {
		final := job.Attempt >= job.MaxAttempts || dataset.IsValidation(err)
		event := logger.Warn()
		if final {
			event = logger.Error()
		}
		event.Int64("job_id", job.ID).
			Str("kind", job.Kind).
			Int("attempt", job.Attempt).
			RawJSON("args", job.EncodedArgs).
			Bool("final", final).
			Err(err).
			Msg("job alert")
	}
}
