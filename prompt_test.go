package keymux

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/keymux/pkg/types"
)

func storedMsg(role, content string, tokens int) types.StoredMessage {
	return types.StoredMessage{Role: role, Content: content, TokenCount: tokens}
}

func TestBuildPrompt_KeepsNewestWithinBudget(t *testing.T) {
	history := []types.StoredMessage{
		storedMsg(types.RoleUser, "oldest", 100),
		storedMsg(types.RoleAssistant, "middle", 100),
		storedMsg(types.RoleUser, "newest", 100),
	}

	// Budget fits two messages with overhead (100+2)*2=204, not three.
	kept, tokens := buildPrompt(history, 250)
	require.Len(t, kept, 2)
	assert.Equal(t, "middle", kept[0].Content)
	assert.Equal(t, "newest", kept[1].Content)
	assert.Equal(t, 204, tokens)
}

func TestBuildPrompt_NeverExceedsBudget(t *testing.T) {
	var history []types.StoredMessage
	for i := 0; i < 50; i++ {
		history = append(history, storedMsg(types.RoleUser, fmt.Sprintf("m%d", i), 37))
	}

	for _, budget := range []int{0, 1, 39, 40, 100, 500, 3096} {
		kept, tokens := buildPrompt(history, budget)
		assert.LessOrEqual(t, tokens, budget, "budget %d", budget)

		// Chronological order is preserved and the kept set is the
		// newest suffix of the history.
		for i := range kept {
			assert.Equal(t, history[len(history)-len(kept)+i].Content, kept[i].Content)
		}
		_ = tokens
	}
}

func TestBuildPrompt_EmptyWhenNothingFits(t *testing.T) {
	history := []types.StoredMessage{storedMsg(types.RoleUser, "huge", 5000)}
	kept, tokens := buildPrompt(history, 3096)
	assert.Empty(t, kept)
	assert.Zero(t, tokens)
}

func TestBuildPrompt_StopsAtFirstOversizedOlderMessage(t *testing.T) {
	history := []types.StoredMessage{
		storedMsg(types.RoleUser, "tiny-but-older", 1),
		storedMsg(types.RoleUser, "huge", 3000),
		storedMsg(types.RoleUser, "newest", 10),
	}

	// The huge message blocks the walk even though the tiny one would fit.
	kept, _ := buildPrompt(history, 100)
	require.Len(t, kept, 1)
	assert.Equal(t, "newest", kept[0].Content)
}
