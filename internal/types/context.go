package types

import "context"

type conversationKey struct{}

// WithConversation scopes ctx to a conversation so that tools acting on
// shared stores can restrict themselves to it.
func WithConversation(ctx context.Context, id ConversationID) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

func ConversationFromContext(ctx context.Context) (ConversationID, bool) {
	id, ok := ctx.Value(conversationKey{}).(ConversationID)
	return id, ok && id != ""
}
