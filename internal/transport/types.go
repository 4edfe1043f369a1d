// Package transport defines the chat transport boundary. The rest of the
// system addresses parties by opaque chat id strings; adapters translate
// those into a concrete messaging backend.
package transport

import "context"

// Incoming is an inbound text message from some chat.
type Incoming struct {
	ChatID   string
	Name     string
	Username string
	Text     string
}

// Adapter is a minimal duplex chat transport.
type Adapter interface {
	// Start begins receiving; inbound messages are handed to the callback
	// registered with OnMessage. Non-blocking.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, text string) error
	// OnMessage registers the inbound handler. Must be called before Start.
	OnMessage(fn func(ctx context.Context, msg Incoming))
}
