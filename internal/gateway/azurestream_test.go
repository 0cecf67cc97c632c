package gateway

import (
	"io"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/keymux/pkg/types"
)

// chunkedReader yields the stream in caller-defined segments so tests can
// split events at awkward byte positions.
type chunkedReader struct {
	segments []string
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.segments) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.segments[0])
	if n == len(r.segments[0]) {
		r.segments = r.segments[1:]
	} else {
		r.segments[0] = r.segments[0][n:]
	}
	return n, nil
}

func (r *chunkedReader) Close() error { return nil }

func normalize(t *testing.T, segments ...string) []string {
	t.Helper()
	n := newAzureStreamNormalizer(&chunkedReader{segments: segments})
	raw, err := io.ReadAll(n)
	require.NoError(t, err)

	var events []string
	for _, part := range strings.Split(string(raw), "\n\n") {
		if part != "" {
			events = append(events, strings.TrimPrefix(part, "data: "))
		}
	}
	return events
}

func TestAzureStream_MergesRoleOnlyDelta(t *testing.T) {
	events := normalize(t,
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n",
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"}}]}\n\n",
		"data: [DONE]\n\n",
	)
	require.Len(t, events, 2)

	var chunk types.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(events[0]), &chunk))
	require.Len(t, chunk.Choices, 1)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
	assert.Equal(t, "Hello", chunk.Choices[0].Delta.Content)

	assert.Equal(t, "[DONE]", events[1])
}

func TestAzureStream_EventSplitAcrossReads(t *testing.T) {
	events := normalize(t,
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",",
		"\"content\":\"Hi\"}}]}\n\ndata: [DONE]\n\n",
	)
	require.Len(t, events, 2)

	var chunk types.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(events[0]), &chunk))
	assert.Equal(t, "Hi", chunk.Choices[0].Delta.Content)
	assert.Equal(t, "[DONE]", events[1])
}

func TestAzureStream_ContentDeltasPassThrough(t *testing.T) {
	events := normalize(t,
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n"+
			"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"b\"}}]}\n\n"+
			"data: [DONE]\n\n",
	)
	require.Len(t, events, 3)

	for i, want := range []string{"a", "b"} {
		var chunk types.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(events[i]), &chunk))
		assert.Equal(t, want, chunk.Choices[0].Delta.Content)
	}
}

func TestAzureStream_EmptyChoicesPassThrough(t *testing.T) {
	// Azure content-filter preamble events carry no choices.
	events := normalize(t,
		"data: {\"id\":\"\",\"choices\":[]}\n\ndata: [DONE]\n\n",
	)
	require.Len(t, events, 2)
	assert.Contains(t, events[0], "\"choices\":[]")
}

func TestAzureStream_FinishChunkNotHeldForRole(t *testing.T) {
	// A finish event with an empty delta must not be swallowed as a
	// role-only delta.
	events := normalize(t,
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n",
	)
	require.Len(t, events, 2)
	assert.Contains(t, events[0], "\"finish_reason\":\"stop\"")
}

func TestAzureStream_TrailingEventWithoutSeparator(t *testing.T) {
	events := normalize(t,
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"tail\"}}]}",
	)
	require.Len(t, events, 1)
	assert.Contains(t, events[0], "tail")
}

func TestAzureStream_MalformedEventPassesThrough(t *testing.T) {
	events := normalize(t,
		"data: {not json}\n\ndata: [DONE]\n\n",
	)
	require.Len(t, events, 2)
	assert.Equal(t, "{not json}", events[0])
}
