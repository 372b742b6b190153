package checkpoints

import (
	"fmt"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSaveLoad(t *testing.T) {
	manager, err := NewManager(t.TempDir())
	require.NoError(t, err)

	want := sampleCheckpoint()
	require.NoError(t, manager.Save(LatestTag, want))

	assert.Equal(t, filepath.Join(manager.Dir(), "checkpoint_latest.ckpt"), manager.Path(LatestTag))

	got, err := manager.Load(LatestTag)
	require.NoError(t, err)
	assert.Equal(t, want.Counters, got.Counters)
	assert.Equal(t, want.Generator, got.Generator)

	_, err = manager.Load("missing")
	assert.Error(t, err)
}

func TestManagerListEpochs(t *testing.T) {
	manager, err := NewManager(t.TempDir())
	require.NoError(t, err)

	chk := sampleCheckpoint()
	for _, epoch := range []int{5, 20, 10} {
		require.NoError(t, manager.Save(strconv.Itoa(epoch), chk))
	}
	require.NoError(t, manager.Save(LatestTag, chk))

	epochs, err := manager.ListEpochs()
	require.NoError(t, err)
	assert.Equal(t, []int{20, 10, 5}, epochs)
}

func TestFindBest(t *testing.T) {
	manager, err := NewManager(t.TempDir())
	require.NoError(t, err)

	chk := sampleCheckpoint()
	fids := map[int]float64{5: 30.0, 10: 12.5, 20: 18.0}
	for epoch := range fids {
		require.NoError(t, manager.Save(strconv.Itoa(epoch), chk))
	}

	var scored []int
	result, err := manager.FindBest(func(epoch int, chk *Checkpoint) (float64, error) {
		scored = append(scored, epoch)
		return fids[epoch], nil
	}, nil)
	require.NoError(t, err)

	// Scanned in descending epoch order, minimum FID wins.
	assert.Equal(t, []int{20, 10, 5}, scored)
	assert.Equal(t, 10, result.Epoch)
	assert.InDelta(t, 12.5, result.FID, 1e-9)
	assert.False(t, result.Interrupted)
}

func TestFindBestInterrupted(t *testing.T) {
	manager, err := NewManager(t.TempDir())
	require.NoError(t, err)

	chk := sampleCheckpoint()
	for _, epoch := range []int{5, 10, 20} {
		require.NoError(t, manager.Save(strconv.Itoa(epoch), chk))
	}

	// Interrupt after the first candidate completes: the scan returns
	// the best found so far.
	interrupt := make(chan struct{})
	result, err := manager.FindBest(func(epoch int, chk *Checkpoint) (float64, error) {
		close(interrupt)
		return 42.0, nil
	}, interrupt)
	require.NoError(t, err)
	assert.True(t, result.Interrupted)
	assert.Equal(t, 20, result.Epoch)

	// Interrupt before any candidate completes: an error.
	closed := make(chan struct{})
	close(closed)
	_, err = manager.FindBest(func(epoch int, chk *Checkpoint) (float64, error) {
		return 0, fmt.Errorf("should not be called")
	}, closed)
	assert.Error(t, err)
}

func TestFindBestEmpty(t *testing.T) {
	manager, err := NewManager(t.TempDir())
	require.NoError(t, err)
	_, err = manager.FindBest(func(int, *Checkpoint) (float64, error) { return 0, nil }, nil)
	assert.Error(t, err)
}
