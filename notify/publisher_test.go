package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkIDsPreservesOrderAndStaysUnderThreshold(t *testing.T) {
	ids := make([]string, 500)
	for i := range ids {
		ids[i] = "11111111-1111-1111-1111-111111111111"
	}

	chunks := chunkIDs(ids, bytesPerIDEstimate, payloadChunkThresholdBytes)
	require.NotEmpty(t, chunks)

	var flattened []string
	for _, c := range chunks {
		require.LessOrEqual(t, len(c)*bytesPerIDEstimate, payloadChunkThresholdBytes)
		flattened = append(flattened, c...)
	}
	require.Equal(t, ids, flattened)
}

func TestChunkIDsSingleSmallBatchIsOneChunk(t *testing.T) {
	ids := []string{"a", "b", "c"}
	chunks := chunkIDs(ids, bytesPerIDEstimate, payloadChunkThresholdBytes)
	require.Len(t, chunks, 1)
	require.Equal(t, ids, chunks[0])
}

func TestChunkIDsEmptyYieldsNoChunks(t *testing.T) {
	require.Empty(t, chunkIDs(nil, bytesPerIDEstimate, payloadChunkThresholdBytes))
}

func TestChunkIDsOversizeSingleIDStillGetsOwnChunk(t *testing.T) {
	chunks := chunkIDs([]string{"only-one"}, payloadChunkThresholdBytes*2, payloadChunkThresholdBytes)
	require.Len(t, chunks, 1)
	require.Equal(t, []string{"only-one"}, chunks[0])
}
