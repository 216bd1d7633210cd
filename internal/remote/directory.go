package remote

import (
	"context"
	"strconv"
)

// Directory looks up display names owned by other services: user profiles
// live in users/{id} and marketplace orders in orders/{id}.
type Directory struct {
	client *Client
}

// NewDirectory creates a directory backed by the given client.
func NewDirectory(c *Client) *Directory {
	return &Directory{client: c}
}

// DisplayName returns users/{id}.displayName.
func (d *Directory) DisplayName(ctx context.Context, userID int64) (string, error) {
	doc, err := d.client.GetDocument(ctx, "users/"+strconv.FormatInt(userID, 10))
	if err != nil {
		return "", err
	}
	return doc.String("displayName"), nil
}

// TopicName returns orders/{id}.title.
func (d *Directory) TopicName(ctx context.Context, topicID int64) (string, error) {
	doc, err := d.client.GetDocument(ctx, "orders/"+strconv.FormatInt(topicID, 10))
	if err != nil {
		return "", err
	}
	return doc.String("title"), nil
}
