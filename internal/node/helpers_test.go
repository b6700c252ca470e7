package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/herbivore/internal/metrics"
	"github.com/philsphicas/herbivore/internal/protocol"
)

const testTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// fakeConn is an in-memory Conn. Frames pushed to in are returned by Read;
// every successful Write lands on out.
type fakeConn struct {
	in   chan fakeFrame
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan fakeFrame, 16),
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case fr := <-f.in:
		return fr.typ, fr.data, fr.err
	case <-f.done:
		return 0, nil, net.ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case f.out <- append([]byte(nil), p...):
		return nil
	case <-f.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close(websocket.StatusCode, string) error { return f.CloseNow() }

func (f *fakeConn) CloseNow() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) failWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeConn) sendText(s string) {
	f.in <- fakeFrame{typ: websocket.MessageText, data: []byte(s)}
}

func (f *fakeConn) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// next returns the next message written by the node.
func (f *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.out:
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("node wrote invalid JSON %q: %v", data, err)
		}
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a message from the node")
		return nil
	}
}

// nextReply returns the next message that is not a PING.
func (f *fakeConn) nextReply(t *testing.T) map[string]any {
	t.Helper()
	for {
		msg := f.next(t)
		if msg["action"] != protocol.ActionPing {
			return msg
		}
	}
}

// expectNoReply fails if a non-PING message arrives within d.
func (f *fakeConn) expectNoReply(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data := <-f.out:
			var msg map[string]any
			_ = json.Unmarshal(data, &msg)
			if msg["action"] != protocol.ActionPing {
				t.Fatalf("unexpected message %s", data)
			}
		case <-deadline:
			return
		}
	}
}

// fakeDialer hands out conns in order and records the endpoints dialed.
// Once conns run out it blocks until the context is cancelled.
type fakeDialer struct {
	mu        sync.Mutex
	conns     []Conn
	endpoints []string
}

func (d *fakeDialer) dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	d.endpoints = append(d.endpoints, endpoint)
	if len(d.conns) > 0 {
		c := d.conns[0]
		d.conns = d.conns[1:]
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.endpoints...)
}

// sequentialIDs returns an id generator yielding id-1, id-2, ...
func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

type relayFunc func(ctx context.Context, req protocol.RelayRequest) (*protocol.RelayResult, error)

func (f relayFunc) Do(ctx context.Context, req protocol.RelayRequest) (*protocol.RelayResult, error) {
	return f(ctx, req)
}

var testTime = time.Unix(1700000000, 0)

// startClient runs a Client over the given conns until the test ends.
func startClient(t *testing.T, cfg Config, conns ...Conn) (*fakeDialer, context.CancelFunc, <-chan error) {
	t.Helper()
	if cfg.UserID == "" {
		cfg.UserID = "user-1"
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []string{"ws://a.test", "ws://b.test"}
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Hour
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Millisecond
	}
	cfg.Logger = discardLogger()

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := &fakeDialer{conns: conns}
	c.dial = d.dial
	c.newID = sequentialIDs()
	c.now = func() time.Time { return testTime }

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		errc <- c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Error("Run did not return after cancel")
		}
	})
	return d, cancel, errc
}

func gatherCounter(t *testing.T, m *metrics.Metrics, name, label, value string) float64 {
	t.Helper()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
