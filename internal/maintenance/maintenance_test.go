package maintenance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hauworth/mediamill/internal/event"
	"github.com/hauworth/mediamill/internal/maintenance"
	"github.com/hauworth/mediamill/pkg/logger"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

type fakeAssetSource struct {
	candidates []maintenance.PurgeCandidate
	listErr    error

	deleted      []string
	deleteErrs   map[string]error
	recalculated int
}

func (f *fakeAssetSource) ListExpiredDeleted(_ context.Context, _ time.Time) ([]maintenance.PurgeCandidate, error) {
	return f.candidates, f.listErr
}

func (f *fakeAssetSource) DeleteRecord(_ context.Context, assetID string) error {
	if err, ok := f.deleteErrs[assetID]; ok {
		return err
	}

	f.deleted = append(f.deleted, assetID)
	return nil
}

func (f *fakeAssetSource) RecalculateStorageUsage(_ context.Context) error {
	f.recalculated++
	return nil
}

type fakeObjectDeleter struct {
	deleted []string
	errs    map[string]error
}

func (f *fakeObjectDeleter) Delete(_ context.Context, storageKey string) error {
	if err, ok := f.errs[storageKey]; ok {
		return err
	}

	f.deleted = append(f.deleted, storageKey)
	return nil
}

func candidates(n int) []maintenance.PurgeCandidate {
	out := make([]maintenance.PurgeCandidate, n)
	for i := range out {
		out[i] = maintenance.PurgeCandidate{
			AssetID:    string(rune('a' + i)),
			StorageKey: "uploads/" + string(rune('a'+i)),
		}
	}

	return out
}

func TestPurgeExpiredFiles_PartialFailureNeverAbortsBatch(t *testing.T) {
	assets := &fakeAssetSource{candidates: candidates(5)}
	objects := &fakeObjectDeleter{errs: map[string]error{
		"uploads/b": errors.New("access denied"),
		"uploads/d": errors.New("object gone"),
	}}

	service := maintenance.New(nil, assets, objects, event.New())
	result, err := service.PurgeExpiredFiles(context.Background())
	require.NoError(t, err, "per-asset failures are collected, not returned")

	assert.Equal(t, 3, result.DeletedCount)
	require.Len(t, result.Errors, 2)
	assert.ErrorContains(t, result.Errors[0], "asset b")
	assert.ErrorContains(t, result.Errors[1], "asset d")

	// Records whose object deletion failed must survive for the next sweep.
	assert.ElementsMatch(t, []string{"a", "c", "e"}, assets.deleted)
}

func TestPurgeExpiredFiles_RecordFailureIsCollected(t *testing.T) {
	assets := &fakeAssetSource{
		candidates: candidates(2),
		deleteErrs: map[string]error{"a": errors.New("deadlock detected")},
	}

	service := maintenance.New(nil, assets, &fakeObjectDeleter{}, event.New())
	result, err := service.PurgeExpiredFiles(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.DeletedCount)
	require.Len(t, result.Errors, 1)
	assert.ErrorContains(t, result.Errors[0], "asset a")
}

func TestPurgeExpiredFiles_ListFailureIsFatal(t *testing.T) {
	assets := &fakeAssetSource{listErr: errors.New("connection refused")}

	service := maintenance.New(nil, assets, &fakeObjectDeleter{}, event.New())
	_, err := service.PurgeExpiredFiles(context.Background())
	require.Error(t, err)
}

func TestPurgeExpiredFiles_EmptySweep(t *testing.T) {
	service := maintenance.New(nil, &fakeAssetSource{}, &fakeObjectDeleter{}, event.New())

	result, err := service.PurgeExpiredFiles(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.DeletedCount)
	assert.Empty(t, result.Errors)
}

func TestPurgeExpiredFiles_AnnouncesOutcome(t *testing.T) {
	eventBus := event.New()
	received := make(event.HandlerChannel, 1)
	eventBus.RegisterHandlerChannel(received, event.PURGE_COMPLETE)

	assets := &fakeAssetSource{candidates: candidates(3)}
	objects := &fakeObjectDeleter{errs: map[string]error{"uploads/c": errors.New("nope")}}

	service := maintenance.New(nil, assets, objects, eventBus)
	_, err := service.PurgeExpiredFiles(context.Background())
	require.NoError(t, err)

	select {
	case handlerEvent := <-received:
		payload, ok := handlerEvent.Payload.(event.PurgeCompletePayload)
		require.True(t, ok)
		assert.Equal(t, 2, payload.DeletedCount)
		assert.Equal(t, 1, payload.ErrorCount)
	case <-time.After(time.Second):
		t.Fatal("expected a purge complete event")
	}
}

func TestRecalculateStorageUsage(t *testing.T) {
	assets := &fakeAssetSource{}
	service := maintenance.New(nil, assets, &fakeObjectDeleter{}, event.New())

	require.NoError(t, service.RecalculateStorageUsage(context.Background()))
	assert.Equal(t, 1, assets.recalculated)
}
