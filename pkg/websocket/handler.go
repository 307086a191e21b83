package websocket

import "context"

// HandlerFunc processes a request message and returns the response
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher routes request messages to handlers by action
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// RegisterFunc registers a handler for an action
func (d *Dispatcher) RegisterFunc(action string, handler HandlerFunc) {
	d.handlers[action] = handler
}

// Dispatch routes a message to its handler. Unknown actions produce an
// error frame, not a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"unknown action: "+msg.Action)
	}
	return handler(ctx, msg)
}
