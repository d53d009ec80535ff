package mailer

import "context"

// Sender is the delivery capability: hand one prepared message to the
// transport, success or failure. Implementations own their own timeouts.
type Sender interface {
	Send(ctx context.Context, email *Email) error
}
