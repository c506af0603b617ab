package gc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/99designs/aws-ami-sweeper/metrics"
	"github.com/99designs/aws-ami-sweeper/model"
)

// Catalog lists the images matching every tag.
type Catalog interface {
	Images(ctx context.Context, tags model.Tags) (model.Images, error)
}

// Deleter removes images and snapshots. A call succeeded only when it
// returns http.StatusOK and a nil error.
type Deleter interface {
	DeregisterImage(ctx context.Context, id string) (int, error)
	DeleteSnapshot(ctx context.Context, id string) (int, error)
}

type Registry interface {
	Catalog
	Deleter
}

type Params struct {
	DryRun      bool
	Verbose     bool
	DeleteFirst bool           // when false the newest image is always retained
	Concurrency int            // images processed at once; <= 1 is sequential
	TieBreak    model.TieBreak // zero value is model.TieBreakFetchOrder
}

type Sweeper struct {
	registry Registry
	logger   *zap.Logger
	mx       metrics.Recorder
}

func New(registry Registry, logger *zap.Logger, mx metrics.Recorder) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mx == nil {
		mx = metrics.NoMetrics()
	}
	return &Sweeper{registry: registry, logger: logger, mx: mx}
}

// Run performs one sweep over the images matching tags. Only a missing tag
// filter or a failed catalog query return an error; deletion failures are
// recorded in the report.
func (s *Sweeper) Run(ctx context.Context, tags model.Tags, params Params) (*model.Report, error) {
	report, err := s.run(ctx, tags, params)
	s.mx.SweepCompleted(err)
	return report, err
}

func (s *Sweeper) run(ctx context.Context, tags model.Tags, params Params) (*model.Report, error) {
	if err := tags.Validate(); err != nil {
		return nil, err
	}

	images, err := s.registry.Images(ctx, tags)
	if err != nil {
		return nil, fmt.Errorf("querying images %s: %w", tags, err)
	}
	s.logger.Info("Matching images", zap.Stringer("tags", tags), zap.Int("count", len(images)))
	if len(images) <= 1 {
		s.logger.Info("One or fewer images present, nothing to sweep")
		return &model.Report{Matched: len(images)}, nil
	}

	sorted := images.CopyNewestFirst(params.TieBreak)
	if params.Verbose {
		for i, img := range sorted {
			s.logger.Info("Sorted image",
				zap.Int("position", i),
				zap.String("image_id", img.ID),
				zap.Time("created_at", img.CreatedAt),
			)
		}
	}

	results := Plan(sorted, params)
	for _, res := range results {
		s.logPlanned(res, params)
	}

	if err := s.execute(ctx, results, params); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Snapshots = settled(results[i].Snapshots)
		s.mx.ImageOutcome(results[i].Outcome)
		for _, snap := range results[i].Snapshots {
			if snap.Outcome == model.SnapshotKept {
				s.mx.SnapshotOutcome(snap.Outcome)
			}
		}
	}
	return &model.Report{Matched: len(images), Results: results}, nil
}

const reasonDuplicate = "image listed more than once"

// Plan partitions images, already sorted newest first, into retained, skipped
// and dry-run entries. Everything else is left model.ImagePending. Each image
// ID and each snapshot ID is claimed by at most one deletion candidate; the
// snapshots a candidate does not own are recorded as model.SnapshotKept and
// the ones it owns as model.SnapshotPending.
func Plan(sorted model.Images, params Params) []model.ImageResult {
	results := make([]model.ImageResult, len(sorted))
	seen := make(map[string]bool)
	for i, img := range sorted {
		res := model.ImageResult{Image: img, Outcome: model.ImagePending}
		switch {
		case i == 0 && !params.DeleteFirst:
			res.Outcome = model.ImageRetained
		case img.ID == "":
			res.Outcome = model.ImageSkipped
			res.Reason = "image has no ID"
		case seen[img.ID]:
			res.Outcome = model.ImageSkipped
			res.Reason = reasonDuplicate
		case params.DryRun:
			res.Outcome = model.ImageDryRun
		}
		if img.ID != "" {
			seen[img.ID] = true
		}
		results[i] = res
	}
	assignSnapshots(results)
	return results
}

func candidate(res model.ImageResult) bool {
	return res.Outcome == model.ImagePending || res.Outcome == model.ImageDryRun
}

// assignSnapshots gives every snapshot to the oldest candidate referencing
// it, which in sequential sweeps is deregistered after all the others. A
// snapshot referenced by an image that stays is given to no one.
func assignSnapshots(results []model.ImageResult) {
	owner := make(map[string]int)
	held := make(map[string]string)
	for i, res := range results {
		for _, id := range res.Image.SnapshotIDs {
			switch {
			case candidate(res):
				owner[id] = i
			case res.Reason == reasonDuplicate:
			case held[id] == "":
				held[id] = imageLabel(res.Image)
			}
		}
	}

	for i := range results {
		res := &results[i]
		if !candidate(*res) {
			continue
		}
		claimed := make(map[string]bool)
		for _, id := range res.Image.SnapshotIDs {
			snap := model.SnapshotResult{ID: id, Outcome: model.SnapshotKept}
			switch {
			case held[id] != "":
				snap.Reason = "still referenced by " + held[id]
			case owner[id] != i:
				snap.Reason = "deleted with " + results[owner[id]].Image.ID
			case claimed[id]:
				snap.Reason = "listed more than once"
			default:
				snap.Outcome = model.SnapshotPending
			}
			claimed[id] = true
			res.Snapshots = append(res.Snapshots, snap)
		}
	}
}

func imageLabel(img model.Image) string {
	if img.ID != "" {
		return img.ID
	}
	return "image " + img.Name
}

// settled drops snapshots that were never attempted.
func settled(snaps []model.SnapshotResult) []model.SnapshotResult {
	var out []model.SnapshotResult
	for _, snap := range snaps {
		if snap.Outcome != model.SnapshotPending {
			out = append(out, snap)
		}
	}
	return out
}

func (s *Sweeper) logPlanned(res model.ImageResult, params Params) {
	img := res.Image
	switch res.Outcome {
	case model.ImageRetained:
		if params.Verbose {
			s.logger.Info("Retaining newest image", zap.String("image_id", img.ID), zap.String("name", img.Name))
		}
	case model.ImageSkipped:
		s.logger.Info("Skipping image", zap.String("image_id", img.ID), zap.String("name", img.Name), zap.String("reason", res.Reason))
	case model.ImageDryRun:
		s.logger.Info("Dry run, would delete image",
			zap.String("image_id", img.ID),
			zap.String("name", img.Name),
			zap.Strings("snapshot_ids", img.SnapshotIDs),
		)
	case model.ImagePending:
		s.logger.Info("Found image to delete",
			zap.String("image_id", img.ID),
			zap.String("name", img.Name),
			zap.Strings("snapshot_ids", img.SnapshotIDs),
		)
	}
}

// execute processes pending results in place. Each goroutine owns one slot of
// results, so no locking is needed.
func (s *Sweeper) execute(ctx context.Context, results []model.ImageResult, params Params) error {
	g := new(errgroup.Group)
	if params.Concurrency > 1 {
		g.SetLimit(params.Concurrency)
	} else {
		g.SetLimit(1)
	}
	for i := range results {
		if results[i].Outcome != model.ImagePending {
			continue
		}
		res := &results[i]
		g.Go(func() error {
			s.deleteImage(ctx, res, params)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sweeper) deleteImage(ctx context.Context, res *model.ImageResult, params Params) {
	img := res.Image
	if params.Verbose {
		s.logger.Info("Deregistering image", zap.String("image_id", img.ID))
	}
	status, err := s.registry.DeregisterImage(ctx, img.ID)
	if reason := failure(status, err); reason != "" {
		res.Outcome = model.ImageFailed
		res.Reason = reason
		s.logger.Warn("Failed to deregister image, leaving its snapshots",
			zap.String("image_id", img.ID),
			zap.Int("status", status),
			zap.Error(err),
		)
		return
	}
	res.Outcome = model.ImageDeleted
	s.logger.Info("Deregistered image", zap.String("image_id", img.ID))

	for i, snap := range res.Snapshots {
		if snap.Outcome != model.SnapshotPending {
			s.logger.Info("Keeping snapshot", zap.String("snapshot_id", snap.ID), zap.String("reason", snap.Reason))
			continue
		}
		res.Snapshots[i] = s.deleteSnapshot(ctx, snap.ID)
	}
}

func (s *Sweeper) deleteSnapshot(ctx context.Context, id string) model.SnapshotResult {
	result := model.SnapshotResult{ID: id}
	status, err := s.registry.DeleteSnapshot(ctx, id)
	switch reason := failure(status, err); {
	case errors.Is(err, model.ErrNotFound):
		result.Outcome = model.SnapshotAbsent
		s.logger.Info("Snapshot already gone", zap.String("snapshot_id", id))
	case reason != "":
		result.Outcome = model.SnapshotFailed
		result.Reason = reason
		s.logger.Warn("Failed to delete snapshot",
			zap.String("snapshot_id", id),
			zap.Int("status", status),
			zap.Error(err),
		)
	default:
		result.Outcome = model.SnapshotDeleted
		s.logger.Info("Deleted snapshot", zap.String("snapshot_id", id))
	}
	s.mx.SnapshotOutcome(result.Outcome)
	return result
}

// failure describes why a deletion call did not succeed, or returns "".
func failure(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	if status != http.StatusOK {
		return fmt.Sprintf("unexpected status %d", status)
	}
	return ""
}
