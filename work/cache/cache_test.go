package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGetPlaylist(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	_, found := c.GetPlaylist("playlist:")
	assert.False(t, found)

	c.SetPlaylist("playlist:", "#EXTM3U\n")
	got, found := c.GetPlaylist("playlist:")
	require.True(t, found)
	assert.Equal(t, "#EXTM3U\n", got)

	// distinct group filters are distinct entries
	_, found = c.GetPlaylist("playlist:sports")
	assert.False(t, found)
}

func TestInvalidateDropsEverything(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.SetPlaylist("playlist:", "#EXTM3U\n")
	c.SetPlaylist("playlist:sports", "#EXTM3U\n")

	c.Invalidate()

	_, found := c.GetPlaylist("playlist:")
	assert.False(t, found)
	_, found = c.GetPlaylist("playlist:sports")
	assert.False(t, found)
}
