package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/99designs/aws-ami-sweeper/gc"
	"github.com/99designs/aws-ami-sweeper/handler"
	"github.com/99designs/aws-ami-sweeper/model"
)

type stubSweeper struct {
	report *model.Report
	err    error

	calls  int
	tags   model.Tags
	params gc.Params
}

func (s *stubSweeper) Run(ctx context.Context, tags model.Tags, params gc.Params) (*model.Report, error) {
	s.calls++
	s.tags = tags
	s.params = params
	return s.report, s.err
}

func TestDecodeEvent(t *testing.T) {
	var event handler.Event
	payload := `{"imageTags":[{"name":"sweep","value":"true"}],"dryRun":true,"deleteFirst":true}`
	require.NoError(t, json.Unmarshal([]byte(payload), &event))
	assert.Equal(t, model.Tags{{Name: "sweep", Value: "true"}}, event.Filter())
	assert.True(t, event.DryRun)
	assert.False(t, event.Verbose)
	assert.True(t, event.DeleteFirst)

	var legacy handler.Event
	require.NoError(t, json.Unmarshal([]byte(`{"tags":[{"name":"ami-sweeper","value":"true"}]}`), &legacy))
	assert.Equal(t, model.Tags{{Name: "ami-sweeper", Value: "true"}}, legacy.Filter())
}

func TestHandleMergesParams(t *testing.T) {
	sweeper := &stubSweeper{report: &model.Report{}}
	h := &handler.Handler{Sweeper: sweeper, Defaults: gc.Params{Concurrency: 3}}

	_, err := h.Handle(context.Background(), handler.Event{
		ImageTags: model.Tags{{Name: "sweep", Value: "true"}},
		DryRun:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, gc.Params{DryRun: true, Concurrency: 3}, sweeper.params)
	assert.Equal(t, model.Tags{{Name: "sweep", Value: "true"}}, sweeper.tags)
}

func TestHandleRejectsEmptyTags(t *testing.T) {
	sweeper := &stubSweeper{}
	h := &handler.Handler{Sweeper: sweeper}

	_, err := h.Handle(context.Background(), handler.Event{DryRun: true})
	assert.True(t, errors.Is(err, model.ErrNoTags))
	assert.Equal(t, 0, sweeper.calls)
}

func TestHandlePropagatesFatalErrors(t *testing.T) {
	queryErr := errors.New("describe images: throttled")
	h := &handler.Handler{Sweeper: &stubSweeper{err: queryErr}}

	_, err := h.Handle(context.Background(), handler.Event{ImageTags: model.Tags{{Name: "a", Value: "b"}}})
	assert.True(t, errors.Is(err, queryErr))
}

func TestHandleSoftFailures(t *testing.T) {
	failed := &model.Report{Results: []model.ImageResult{
		{Outcome: model.ImageRetained},
		{Outcome: model.ImageFailed, Reason: "unexpected status 500"},
	}}
	event := handler.Event{ImageTags: model.Tags{{Name: "a", Value: "b"}}}

	h := &handler.Handler{Sweeper: &stubSweeper{report: failed}}
	report, err := h.Handle(context.Background(), event)
	require.NoError(t, err, "soft failures are left for the next sweep by default")
	assert.Same(t, failed, report)

	h.FailOnSoftErrors = true
	_, err = h.Handle(context.Background(), event)
	assert.True(t, errors.Is(err, handler.ErrSoftFailures))
}

func TestHandleVerboseLogsEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := &handler.Handler{Sweeper: &stubSweeper{report: &model.Report{}}, Logger: zap.New(core)}

	_, err := h.Handle(context.Background(), handler.Event{ImageTags: model.Tags{{Name: "a", Value: "b"}}})
	require.NoError(t, err)
	assert.Equal(t, 0, logs.FilterMessage("Received event").Len())

	_, err = h.Handle(context.Background(), handler.Event{ImageTags: model.Tags{{Name: "a", Value: "b"}}, Verbose: true})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("Received event").Len())
	assert.Equal(t, 2, logs.FilterMessage("Sweep complete").Len())
}
