package apps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryHoldsEveryApp(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{"cr", "officers"}, reg.Apps())

	f, err := reg.Factories("officers")
	require.NoError(t, err)
	names := make([]string, len(f))
	for i, x := range f {
		names[i] = x.Name
	}
	assert.Equal(t, []string{
		"OfficersIndexer",
		"OfficerCoaccusalsIndexer",
		"CRNewTimelineEventIndexer",
		"CRNewTimelineEventPartialIndexer",
	}, names)
}
