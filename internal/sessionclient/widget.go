package sessionclient

import "context"

// Widget adapts a Client to the chat widget's getClientSecret callback. The
// widget caches the secret it is given and calls back with it when it wants
// a new one.
type Widget struct {
	client *Client
}

// NewWidget wraps c.
func NewWidget(c *Client) *Widget {
	return &Widget{client: c}
}

// GetClientSecret returns existing unchanged when non-empty, otherwise a
// fresh credential from the issuer.
func (w *Widget) GetClientSecret(ctx context.Context, existing string) (string, error) {
	if existing != "" {
		return existing, nil
	}
	return w.client.GetCredential(ctx)
}
