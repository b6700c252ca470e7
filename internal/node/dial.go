package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// Conn is the message channel to the coordination server. *websocket.Conn
// implements it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// dialFunc opens a session channel to endpoint.
type dialFunc func(ctx context.Context, endpoint string) (Conn, error)

// websocketDialer returns a dialFunc that opens a WebSocket bounded by
// timeout, with readLimit applied to every inbound message.
func websocketDialer(timeout time.Duration, readLimit int64) dialFunc {
	return func(ctx context.Context, endpoint string) (Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ws, resp, err := websocket.Dial(dialCtx, endpoint, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
		ws.SetReadLimit(readLimit)
		return ws, nil
	}
}

// ignoreNormalClose maps a normal WebSocket closure to nil.
func ignoreNormalClose(err error) error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
