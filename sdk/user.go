package sdk

import "context"

// LookupUser finds a user by email
func (c *Client) LookupUser(ctx context.Context, email string) (*UserInfo, error) {
	var result UserInfo
	if err := c.get(ctx, "/users/lookup", map[string]string{"email": email}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
