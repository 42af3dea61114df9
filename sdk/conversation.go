package sdk

import (
	"context"
	"net/url"
)

// ListConversations gets the accepted conversations of the current user
func (c *Client) ListConversations(ctx context.Context) ([]*Conversation, error) {
	var result []*Conversation
	if err := c.get(ctx, "/conversations", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListPendingConversations gets conversations the current user has not accepted yet
func (c *Client) ListPendingConversations(ctx context.Context) ([]*Conversation, error) {
	var result []*Conversation
	if err := c.get(ctx, "/conversations/pending", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateDirectConversation creates or fetches the direct conversation with email
func (c *Client) CreateDirectConversation(ctx context.Context, email string) (string, error) {
	var result CreateDirectResponse
	if err := c.post(ctx, "/conversations/direct", &CreateDirectRequest{Email: email}, &result); err != nil {
		return "", err
	}
	return result.ConversationID, nil
}

// AcceptConversation accepts a pending conversation
func (c *Client) AcceptConversation(ctx context.Context, conversationId string) error {
	return c.post(ctx, "/conversations/"+url.PathEscape(conversationId)+"/accept", nil, &SuccessResponse{})
}

// RejectConversation rejects a pending conversation, optionally deleting its history
func (c *Client) RejectConversation(ctx context.Context, conversationId string, deleteHistory bool) error {
	req := &RejectRequest{DeleteHistory: deleteHistory}
	return c.post(ctx, "/conversations/"+url.PathEscape(conversationId)+"/reject", req, &SuccessResponse{})
}

// GetPins gets the persisted pinned message ids of a conversation
func (c *Client) GetPins(ctx context.Context, conversationId string) ([]string, error) {
	var result PinsResponse
	if err := c.get(ctx, "/conversations/"+url.PathEscape(conversationId)+"/pins", nil, &result); err != nil {
		return nil, err
	}
	return result.MessageIDs, nil
}
