package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func chatTurns(roles ...Role) []ChatTurn {
	out := make([]ChatTurn, 0, len(roles))
	for i, role := range roles {
		out = append(out, ChatTurn{Role: role, Content: string(rune('a' + i))})
	}
	return out
}

func TestTurns(t *testing.T) {
	history := chatTurns(RoleUser, RoleAssistant, RoleUser, RoleAssistant)

	require.Len(t, Turns(history, 0), 4)
	require.Equal(t, []Turn{{RoleUser, "c"}, {RoleAssistant, "d"}}, Turns(history, 2))

	// an odd limit would open on the assistant reply "b"
	require.Equal(t, []Turn{{RoleUser, "c"}, {RoleAssistant, "d"}}, Turns(history, 3))

	require.Empty(t, Turns(chatTurns(RoleAssistant), 0))
	require.Empty(t, Turns(nil, 5))
}

func TestTurnsSkipsOrphanedAssistantTurns(t *testing.T) {
	history := chatTurns(RoleAssistant, RoleAssistant, RoleUser)
	require.Equal(t, []Turn{{RoleUser, "c"}}, Turns(history, 0))
}
