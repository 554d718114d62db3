package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamjohannes/ouroboros-fs/internal/ring"
)

// TestNetMapEntriesRoundTrip verifies the accumulator encoding preserves
// order, since the first entry names the walk origin.
func TestNetMapEntriesRoundTrip(t *testing.T) {
	in := []NetMapEntry{
		{Addr: "127.0.0.1:7002", Status: ring.StatusAlive},
		{Addr: "127.0.0.1:7001", Status: ring.StatusDead},
	}
	s := EncodeNetMapEntries(in)
	assert.Equal(t, "127.0.0.1:7002=Alive,127.0.0.1:7001=Dead", s)

	out, err := ParseNetMapEntries(s)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// TestEncodeNetMapSorted verifies snapshot encoding is deterministic.
func TestEncodeNetMapSorted(t *testing.T) {
	m := map[string]ring.Status{
		"127.0.0.1:7003": ring.StatusAlive,
		"127.0.0.1:7001": ring.StatusAlive,
		"127.0.0.1:7002": ring.StatusDead,
	}
	assert.Equal(t,
		"127.0.0.1:7001=Alive,127.0.0.1:7002=Dead,127.0.0.1:7003=Alive",
		EncodeNetMap(m))
}

// TestUpsertNetMapEntry verifies a hop marks itself exactly once.
func TestUpsertNetMapEntry(t *testing.T) {
	entries := []NetMapEntry{{Addr: "a:1", Status: ring.StatusAlive}}

	entries = UpsertNetMapEntry(entries, "b:2", ring.StatusAlive)
	require.Len(t, entries, 2)

	// Re-marking an existing address updates in place.
	entries = UpsertNetMapEntry(entries, "a:1", ring.StatusDead)
	require.Len(t, entries, 2)
	assert.Equal(t, ring.StatusDead, entries[0].Status)
}

// TestParseNetMapEntriesRejects verifies bad accumulators are refused.
func TestParseNetMapEntriesRejects(t *testing.T) {
	for _, s := range []string{"", "a:1", "a:1=Undead", "=Alive"} {
		_, err := ParseNetMapEntries(s)
		assert.Error(t, err, "entries %q", s)
	}
}

// TestEdgesRoundTrip verifies history encoding preserves hop order.
func TestEdgesRoundTrip(t *testing.T) {
	in := []Edge{
		{From: "127.0.0.1:7002", To: "127.0.0.1:7003"},
		{From: "127.0.0.1:7003", To: "127.0.0.1:7001"},
	}
	s := EncodeEdges(in)
	assert.Equal(t, "127.0.0.1:7002->127.0.0.1:7003;127.0.0.1:7003->127.0.0.1:7001", s)

	out, err := ParseEdges(s)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// TestEdgesToMap verifies history collapse with later edges winning.
func TestEdgesToMap(t *testing.T) {
	edges := []Edge{
		{From: "a:1", To: "b:2"},
		{From: "b:2", To: "a:1"},
		{From: "a:1", To: "c:3"},
	}
	m := EdgesToMap(edges)
	assert.Equal(t, map[string]string{"a:1": "c:3", "b:2": "a:1"}, m)
}

// TestParseEdgesRejects verifies malformed histories are refused.
func TestParseEdgesRejects(t *testing.T) {
	for _, s := range []string{"", ";", "a:1", "->b:2"} {
		_, err := ParseEdges(s)
		assert.Error(t, err, "history %q", s)
	}
}

// TestTagsRoundTrip verifies the CSV form of the tag table.
func TestTagsRoundTrip(t *testing.T) {
	in := map[string]ring.FileTag{
		"greet": {Size: 6, Start: "127.0.0.1:7000"},
		"bulk":  {Size: 1 << 20, Start: "127.0.0.1:7002"},
	}
	body := EncodeTags(in)
	assert.Equal(t, "bulk,1048576,127.0.0.1:7002\ngreet,6,127.0.0.1:7000\n", body)

	out, err := ParseTags(body)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// TestParseTagsRejects verifies malformed tag records are refused.
func TestParseTagsRejects(t *testing.T) {
	for _, body := range []string{"greet", "greet,six,a:1", "greet,-1,a:1", ",6,a:1"} {
		_, err := ParseTags(body)
		assert.Error(t, err, "body %q", body)
	}
}

// TestParseTagsEmptyBody verifies an empty table parses to an empty map.
func TestParseTagsEmptyBody(t *testing.T) {
	out, err := ParseTags("")
	require.NoError(t, err)
	assert.Empty(t, out)
}
