package rollout

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flockctl/flockctl/internal/store"
)

func TestSummarizeTags(t *testing.T) {
	d1, d2, d3 := uuid.New(), uuid.New(), uuid.New()
	refs := []store.ImageRef{
		{DeviceUUID: d1, ImageName: "nginx:1.24"},
		{DeviceUUID: d2, ImageName: "nginx:1.24"},
		{DeviceUUID: d3, ImageName: "nginx:1.23"},
		{DeviceUUID: d3, ImageName: "nginx:1.25"},
	}

	oldTag, perDevice := summarizeTags(refs, "1.25")
	require.NotNil(t, oldTag)
	require.Equal(t, "1.24", *oldTag)

	require.Equal(t, "1.24", *perDevice[d1])
	require.Equal(t, "1.24", *perDevice[d2])
	// The service already on the new tag does not count as d3's old tag.
	require.Equal(t, "1.23", *perDevice[d3])
}

func TestSummarizeTagsWholeFleetAlreadyUpdated(t *testing.T) {
	refs := []store.ImageRef{
		{DeviceUUID: uuid.New(), ImageName: "nginx:1.25"},
	}
	oldTag, perDevice := summarizeTags(refs, "1.25")
	require.Nil(t, oldTag)
	require.Empty(t, perDevice)
}

func TestSummarizeTagsTieBreaksLexicographically(t *testing.T) {
	refs := []store.ImageRef{
		{DeviceUUID: uuid.New(), ImageName: "nginx:1.24"},
		{DeviceUUID: uuid.New(), ImageName: "nginx:1.22"},
	}
	oldTag, _ := summarizeTags(refs, "1.25")
	require.NotNil(t, oldTag)
	require.Equal(t, "1.22", *oldTag)
}

func TestSummarizeTagsIgnoresUnparsableRefs(t *testing.T) {
	refs := []store.ImageRef{
		{DeviceUUID: uuid.New(), ImageName: "  "},
		{DeviceUUID: uuid.New(), ImageName: "nginx:1.24"},
	}
	oldTag, _ := summarizeTags(refs, "1.25")
	require.NotNil(t, oldTag)
	require.Equal(t, "1.24", *oldTag)
}
