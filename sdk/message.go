package sdk

import (
	"context"
	"io"
	"net/url"
	"strconv"
)

// GetMessages pulls one page of history from a conversation
func (c *Client) GetMessages(ctx context.Context, conversationId string, q *MessageQuery) (*MessagePage, error) {
	params := map[string]string{}
	if q != nil {
		if q.After != "" {
			params["after"] = q.After
		}
		if q.Before != "" {
			params["before"] = q.Before
		}
		if q.Limit > 0 {
			params["limit"] = strconv.Itoa(q.Limit)
		}
	}

	var result MessagePage
	if err := c.get(ctx, "/conversations/"+url.PathEscape(conversationId)+"/messages", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UploadFile uploads a file and returns its attachment descriptor
func (c *Client) UploadFile(ctx context.Context, fileName string, r io.Reader) (*Attachment, error) {
	var result Attachment
	if err := c.upload(ctx, "/files", "file", fileName, r, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
