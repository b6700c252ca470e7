//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// coordinator is a fake coordination server. Every accepted node session is
// delivered on sessions.
type coordinator struct {
	srv      *httptest.Server
	sessions chan *coordSession
}

// coordSession is one node session as seen by the coordinator.
type coordSession struct {
	ws   *websocket.Conn
	msgs chan map[string]any
	ctx  context.Context
}

func startCoordinator(t *testing.T) *coordinator {
	t.Helper()
	c := &coordinator{sessions: make(chan *coordSession, 8)}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		s := &coordSession{ws: ws, msgs: make(chan map[string]any, 64), ctx: r.Context()}
		c.sessions <- s
		defer close(s.msgs)
		for {
			_, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("node sent invalid JSON: %s", data)
				return
			}
			s.msgs <- msg
		}
	}))
	t.Cleanup(c.srv.Close)
	return c
}

// URL returns the ws:// endpoint of the coordinator.
func (c *coordinator) URL() string {
	return "ws" + strings.TrimPrefix(c.srv.URL, "http")
}

// next waits for the next node session.
func (c *coordinator) next(t *testing.T, timeout time.Duration) *coordSession {
	t.Helper()
	select {
	case s := <-c.sessions:
		return s
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a node session")
		return nil
	}
}

// next returns the next message from the node.
func (s *coordSession) next(t *testing.T, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case msg, ok := <-s.msgs:
		if !ok {
			t.Fatal("node session closed")
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a node message")
		return nil
	}
}

// reply waits for the response to the inbound message with id, skipping
// PINGs and unrelated messages.
func (s *coordSession) reply(t *testing.T, id string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-s.msgs:
			if !ok {
				t.Fatal("node session closed")
			}
			if msg["id"] == id && msg["origin_action"] != nil {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for reply to %s", id)
			return nil
		}
	}
}

func (s *coordSession) send(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write to node: %v", err)
	}
}

func (s *coordSession) close(code websocket.StatusCode, reason string) {
	_ = s.ws.Close(code, reason)
}
