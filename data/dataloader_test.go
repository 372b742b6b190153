package data_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/tsawler/meshgan/data"
	"github.com/tsawler/meshgan/modeltest"
)

func TestDataLoaderBatching(t *testing.T) {
	ds := modeltest.NewDataset(10)
	loader, err := NewDataLoader(ds, LoaderConfig{BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, loader.Len())

	var sizes []int
	for loader.HasNext() {
		batch, err := loader.Next()
		require.NoError(t, err)
		sizes = append(sizes, batch.Size())
	}
	assert.Equal(t, []int{3, 3, 3, 1}, sizes)
}

func TestDataLoaderDropLast(t *testing.T) {
	ds := modeltest.NewDataset(10)
	loader, err := NewDataLoader(ds, LoaderConfig{BatchSize: 3, DropLast: true})
	require.NoError(t, err)
	assert.Equal(t, 3, loader.Len())

	count := 0
	for loader.HasNext() {
		batch, err := loader.Next()
		require.NoError(t, err)
		assert.Equal(t, 3, batch.Size())
		count++
	}
	assert.Equal(t, 3, count)
}

func TestDataLoaderBatchShapes(t *testing.T) {
	ds := modeltest.NewDataset(4)
	loader, err := NewDataLoader(ds, LoaderConfig{BatchSize: 4})
	require.NoError(t, err)

	batch, err := loader.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3, 8, 8}, batch[KeyTexture].Shape)
	assert.Equal(t, []int{4, 1, 8, 8}, batch[KeyTextureAlpha].Shape)
	assert.Equal(t, []int{4, 3, 4, 4}, batch[KeyMesh].Shape)
	assert.Equal(t, []int{4, 1}, batch[KeyClass].Shape)
}

func TestDataLoaderWeighted(t *testing.T) {
	ds := modeltest.NewDataset(6)
	ds.Weights = []float64{1, 0, 0, 0, 0, 0}
	loader, err := NewDataLoader(ds, LoaderConfig{BatchSize: 2, Weighted: true})
	require.NoError(t, err)

	loader.Reset()
	batch, err := loader.Next()
	require.NoError(t, err)

	// All weight on sample 0, which carries class 0.
	classes, err := batch[KeyClass].Int32s()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0}, classes)
}

func TestDataLoaderWeightedRequiresWeights(t *testing.T) {
	ds := modeltest.NewDataset(6)
	_, err := NewDataLoader(ds, LoaderConfig{BatchSize: 2, Weighted: true})
	assert.Error(t, err)
}

func TestEvalDatasetAddsIndices(t *testing.T) {
	ds := NewEvalDataset(modeltest.NewDataset(5))

	sample, err := ds.Get(3)
	require.NoError(t, err)
	idx, err := sample[KeyIdx].Int32s()
	require.NoError(t, err)
	assert.Equal(t, []int32{3}, idx)
	assert.Equal(t, []int{1, 1}, sample[KeyIdx].Shape)
}

func TestSubset(t *testing.T) {
	ds := modeltest.NewDataset(10)
	subset, err := NewSubset(ds, []int{7, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, subset.Len())

	sample, err := subset.Get(0)
	require.NoError(t, err)
	classes, err := sample[KeyClass].Int32s()
	require.NoError(t, err)
	// Sample 7 of a 3-class dataset carries class 7 % 3.
	assert.Equal(t, []int32{1}, classes)

	_, err = subset.Get(5)
	assert.Error(t, err)
	_, err = NewSubset(ds, []int{99})
	assert.Error(t, err)
}

func TestFilterByClass(t *testing.T) {
	ds := modeltest.NewDataset(9)
	indices := FilterByClass(ds, 1)
	assert.Equal(t, []int{1, 4, 7}, indices)

	assert.Empty(t, FilterByClass(ds, 9))
}

func TestRepeatIterator(t *testing.T) {
	ds := modeltest.NewDataset(4)
	loader, err := NewDataLoader(ds, LoaderConfig{BatchSize: 2})
	require.NoError(t, err)

	repeat := NewRepeatIterator(loader, 3)
	assert.Equal(t, 6, repeat.Len())

	repeat.Reset()
	count := 0
	for repeat.HasNext() {
		batch, err := repeat.Next()
		require.NoError(t, err)
		require.NotNil(t, batch)
		assert.Equal(t, 2, batch.Size())
		count++
	}
	assert.Equal(t, 6, count)
}
