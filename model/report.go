package model

// type ImageOutcome is what a sweep did with one image.
type ImageOutcome string

const (
	ImageRetained ImageOutcome = "retained" // protected as the newest
	ImageSkipped  ImageOutcome = "skipped"  // no image ID
	ImageDryRun   ImageOutcome = "dry-run"
	ImageDeleted  ImageOutcome = "deleted"
	ImageFailed   ImageOutcome = "failed"
	// ImagePending marks a deletion candidate not yet processed. It never
	// appears in a returned Report.
	ImagePending ImageOutcome = "pending"
)

// type SnapshotOutcome is what a sweep did with one snapshot of a deregistered
// image.
type SnapshotOutcome string

const (
	SnapshotDeleted SnapshotOutcome = "deleted"
	SnapshotFailed  SnapshotOutcome = "failed"
	SnapshotAbsent  SnapshotOutcome = "absent"
	// SnapshotKept marks a snapshot this image does not delete, because
	// another image in the sweep deletes it or an image that stays still
	// references it. No call is issued.
	SnapshotKept SnapshotOutcome = "kept"
	// SnapshotPending marks a snapshot awaiting its image's deregistration. It
	// never appears in a returned Report.
	SnapshotPending SnapshotOutcome = "pending"
)

// type SnapshotResult records the deletion of one snapshot.
type SnapshotResult struct {
	ID      string          `json:"id"`
	Outcome SnapshotOutcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// type ImageResult records the outcome for one image. For ImageDryRun the
// image's SnapshotIDs, less those in Snapshots, are the snapshots that would
// have been deleted.
type ImageResult struct {
	Image     Image            `json:"image"`
	Outcome   ImageOutcome     `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
	Snapshots []SnapshotResult `json:"snapshots,omitempty"`
}

// type Report is the ordered, newest-first result of a single sweep.
type Report struct {
	Matched int           `json:"matched"` // images returned by the catalog
	Results []ImageResult `json:"results"`
}

func (r *Report) Empty() bool {
	return r == nil || len(r.Results) == 0
}

// Count returns the number of images with the given outcome.
func (r *Report) Count(outcome ImageOutcome) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// SnapshotCount returns the number of snapshots with the given outcome.
func (r *Report) SnapshotCount(outcome SnapshotOutcome) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, res := range r.Results {
		for _, snap := range res.Snapshots {
			if snap.Outcome == outcome {
				n++
			}
		}
	}
	return n
}

// HasFailures reports whether any image or snapshot deletion failed.
func (r *Report) HasFailures() bool {
	return r.Count(ImageFailed) > 0 || r.SnapshotCount(SnapshotFailed) > 0
}
