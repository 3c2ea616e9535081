package storage

import "context"

// Store keeps encoded conversations and response documents by id.
type Store interface {
	SaveConversation(ctx context.Context, conversationID string, data []byte) error
	LoadConversation(ctx context.Context, conversationID string) ([]byte, error)
	ListConversationIDs(ctx context.Context, limit int) ([]string, error)
	SaveResponse(ctx context.Context, responseID string, data []byte) error
	LoadResponse(ctx context.Context, responseID string) ([]byte, error)
}
