// package model provides entities like Image which are decoupled from
// third-party libraries like aws-sdk-go.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNoTags is returned when a sweep is requested without a tag filter, which
// would otherwise select every image in the account.
var ErrNoTags = errors.New("at least one image tag is required")

// ErrNotFound is wrapped by registries when the entity to delete no longer
// exists.
var ErrNotFound = errors.New("not found")

// type Tag is a name/value pair used as an equality filter on the catalog.
type Tag struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

func (t Tag) String() string {
	return t.Name + "=" + t.Value
}

// type Tags is a set of tags, ANDed across distinct names by the catalog.
type Tags []Tag

// Validate rejects an empty tag set and tags without a name.
func (tags Tags) Validate() error {
	if len(tags) == 0 {
		return ErrNoTags
	}
	for i, t := range tags {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("image tag %d: name is empty", i)
		}
	}
	return nil
}

func (tags Tags) String() string {
	s := make([]string, 0, len(tags))
	for _, t := range tags {
		s = append(s, t.String())
	}
	return "{" + strings.Join(s, ", ") + "}"
}

// type Image provides the attributes of a machine image required to decide
// upon and execute deletion.
type Image struct {
	ID          string
	Name        string
	CreatedAt   time.Time // zero when the catalog gave no parseable date
	SnapshotIDs []string
}

// HasCreationDate reports whether the catalog supplied a usable timestamp.
func (img Image) HasCreationDate() bool {
	return !img.CreatedAt.IsZero()
}

// type TieBreak decides the order of images the timestamp cannot separate.
type TieBreak string

const (
	// TieBreakFetchOrder keeps such images in the order the catalog returned
	// them.
	TieBreakFetchOrder TieBreak = "fetch-order"
	// TieBreakImageID sorts dated images before undated ones and orders equal
	// dates, and undated images, by ascending image ID. The result does not
	// depend on fetch order.
	TieBreakImageID TieBreak = "image-id"
)

// ParseTieBreak accepts the empty string as TieBreakFetchOrder.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", TieBreakFetchOrder:
		return TieBreakFetchOrder, nil
	case TieBreakImageID:
		return TieBreakImageID, nil
	}
	return "", fmt.Errorf("unknown tie-break %q (want %s or %s)", s, TieBreakFetchOrder, TieBreakImageID)
}

// type Images is a slice of Image capable of providing a sorted copy.
type Images []Image

// CopyNewestFirst returns a copy of images sorted most recently created first.
// The sort is stable. With TieBreakFetchOrder a pair where either image lacks
// a creation date, or both share one, compares equal.
func (images Images) CopyNewestFirst(tieBreak TieBreak) Images {
	result := make(Images, len(images))
	copy(result, images)
	less := newerFirst
	if tieBreak == TieBreakImageID {
		less = newerFirstByID
	}
	sort.SliceStable(result, func(i, j int) bool {
		return less(result[i], result[j])
	})
	return result
}

func newerFirst(a, b Image) bool {
	if a.HasCreationDate() && b.HasCreationDate() {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return false
}

// newerFirstByID orders by (undated, newest date, missing ID, ID), a total
// order on distinct images.
func newerFirstByID(a, b Image) bool {
	if a.HasCreationDate() != b.HasCreationDate() {
		return a.HasCreationDate()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if (a.ID == "") != (b.ID == "") {
		return b.ID == ""
	}
	return a.ID < b.ID
}
