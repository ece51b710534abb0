package directmsg

import "context"

// Gateway is the request/response boundary of the messaging backend.
// *Client implements it over HTTP; tests substitute fakes.
type Gateway interface {
	CreateRequest(ctx context.Context, receiverID, content string) (*MessageRequest, error)
	ListRequests(ctx context.Context) ([]MessageRequest, error)
	RespondRequest(ctx context.Context, requestID string, action RequestAction) (*RespondResult, error)
	CheckRequestStatus(ctx context.Context, receiverID string) (*RequestStatusResult, error)

	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	PostMessage(ctx context.Context, conversationID, content string) (*Message, error)
}

var _ Gateway = (*Client)(nil)
