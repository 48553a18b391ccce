package pubsub

import (
	"fmt"
	"strings"
)

// Channel naming for realtime fan-out between gateway instances.
const (
	// ChannelConversation carries signals for one conversation room in one namespace.
	ChannelConversation = "realtime:%s:conversation:%s"

	// PatternConversations matches every conversation channel in every namespace.
	PatternConversations = "realtime:*:conversation:*"
)

// ConversationChannel returns the channel name for a conversation room.
func ConversationChannel(namespace, conversationID string) string {
	return fmt.Sprintf(ChannelConversation, strings.Trim(namespace, "/"), conversationID)
}
