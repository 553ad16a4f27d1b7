package engine

import (
	"fmt"

	"github.com/tkwest/switchboard/internal/conversation"
)

// relayFallback is appended when a turn produced no internal response,
// so every completed turn still yields exactly one external message.
const relayFallback = "I wasn't able to put together a response this time. Could you try rephrasing?"

// relay re-emits the last internal response as the single
// externally-attributed message for the turn. The producing handler is
// named in a fixed prefix for transparency, but internal routing never
// surfaces as separate turns.
func (e *Engine) relay(st *conversation.State) conversation.Message {
	content := relayFallback
	// Synthetic routing messages are authored by the orchestrator and
	// must never reach the caller; only a specialist's output is relayed.
	for i := len(st.Messages) - 1; i >= 0; i-- {
		msg := st.Messages[i]
		if msg.Role != conversation.RoleHandler || msg.Handler == conversation.OrchestratorName {
			continue
		}
		content = msg.Content
		if msg.Handler != "" {
			content = fmt.Sprintf("[%s] %s", msg.Handler, msg.Content)
		}
		break
	}

	relayMsg := conversation.NewMessage(conversation.RoleRelay, content, conversation.OrchestratorName)
	st.Append(relayMsg)

	st.CurrentHandler = conversation.OrchestratorName
	st.LastHandler = conversation.OrchestratorName
	st.NextHandler = ""
	st.HandoffReason = ""
	st.HandoffContext = nil
	st.ShouldContinue = false

	return relayMsg
}
