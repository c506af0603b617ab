// package handler turns scheduled invocation events into sweeps.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/99designs/aws-ami-sweeper/gc"
	"github.com/99designs/aws-ami-sweeper/model"
)

// ErrSoftFailures is returned when FailOnSoftErrors is set and the report
// contains failed deletions.
var ErrSoftFailures = errors.New("sweep finished with failed deletions")

// Event is the payload delivered by the timer.
type Event struct {
	ImageTags   model.Tags `json:"imageTags"`
	DryRun      bool       `json:"dryRun"`
	Verbose     bool       `json:"verbose"`
	DeleteFirst bool       `json:"deleteFirst"`

	// Tags is accepted in place of ImageTags; older timer rules send it.
	Tags model.Tags `json:"tags,omitempty"`
}

// Filter returns ImageTags, or Tags when ImageTags is empty.
func (e Event) Filter() model.Tags {
	if len(e.ImageTags) > 0 {
		return e.ImageTags
	}
	return e.Tags
}

type Sweeper interface {
	Run(ctx context.Context, tags model.Tags, params gc.Params) (*model.Report, error)
}

// Handler runs one sweep per event. Defaults supplies the options an event
// cannot express (concurrency, tie-break); the event's flags are ORed in.
type Handler struct {
	Sweeper          Sweeper
	Logger           *zap.Logger
	Defaults         gc.Params
	FailOnSoftErrors bool
}

// Handle is the Lambda entry point.
func (h *Handler) Handle(ctx context.Context, event Event) (*model.Report, error) {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	params := h.Defaults
	params.DryRun = params.DryRun || event.DryRun
	params.Verbose = params.Verbose || event.Verbose
	params.DeleteFirst = params.DeleteFirst || event.DeleteFirst

	if params.Verbose {
		if raw, err := json.Marshal(event); err == nil {
			logger.Info("Received event", zap.ByteString("event", raw))
		}
	}

	tags := event.Filter()
	if err := tags.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	report, err := h.Sweeper.Run(ctx, tags, params)
	if err != nil {
		logger.Error("Sweep failed", zap.Error(err))
		return nil, err
	}
	Summarize(logger, report)
	if h.FailOnSoftErrors && report.HasFailures() {
		return report, ErrSoftFailures
	}
	return report, nil
}

// Summarize logs the outcome counts of report.
func Summarize(logger *zap.Logger, report *model.Report) {
	logger.Info("Sweep complete",
		zap.Int("retained", report.Count(model.ImageRetained)),
		zap.Int("deleted", report.Count(model.ImageDeleted)),
		zap.Int("dry_run", report.Count(model.ImageDryRun)),
		zap.Int("skipped", report.Count(model.ImageSkipped)),
		zap.Int("failed", report.Count(model.ImageFailed)),
		zap.Int("snapshots_deleted", report.SnapshotCount(model.SnapshotDeleted)),
		zap.Int("snapshots_absent", report.SnapshotCount(model.SnapshotAbsent)),
		zap.Int("snapshots_kept", report.SnapshotCount(model.SnapshotKept)),
		zap.Int("snapshots_failed", report.SnapshotCount(model.SnapshotFailed)),
	)
}
