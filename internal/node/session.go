package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/coder/websocket"
	"github.com/philsphicas/herbivore/internal/metrics"
	"github.com/philsphicas/herbivore/internal/protocol"
)

// session serves one open connection: AUTH, the ping ticker, and inbound
// message dispatch. All writes go through send, which serializes them.
type session struct {
	conn     Conn
	endpoint string
	cfg      *Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	newID    func() string
	now      func() time.Time

	writeMu sync.Mutex

	// relaySlots holds one token per busy relay worker. The read loop
	// blocks on it, so nothing is read while every worker is busy.
	relaySlots chan struct{}

	// cancel ends the session with a cause; set by run.
	cancel context.CancelCauseFunc
}

func newSession(conn Conn, endpoint string, c *Client) *session {
	return &session{
		conn:     conn,
		endpoint: endpoint,
		cfg:      &c.cfg,
		logger:   c.cfg.Logger.With("endpoint", endpoint),
		metrics:  c.cfg.Metrics,
		newID:    c.newID,
		now:      c.now,
		cancel:   func(error) {},
	}
}

// run authenticates and serves the session until the connection fails, the
// server closes it (nil error), or ctx is cancelled.
func (s *session) run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.cancel = cancel

	if err := s.authenticate(loopCtx); err != nil {
		s.metrics.DialError(s.endpoint, metrics.ReasonAuthFailed)
		return fmt.Errorf("authenticate: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pingLoop(loopCtx)
	}()

	var pool pond.Pool
	if s.cfg.RelayWorkers > 1 {
		pool = pond.NewPool(s.cfg.RelayWorkers)
		s.relaySlots = make(chan struct{}, s.cfg.RelayWorkers)
	}

	err := s.readLoop(loopCtx, pool)

	// Stop the ping loop and in-flight relays before the next session can
	// start.
	cancel(err)
	if pool != nil {
		pool.StopAndWait()
	}
	wg.Wait()
	return err
}

func (s *session) authenticate(ctx context.Context) error {
	s.logger.Info("authenticating", "nodeType", s.cfg.NodeType.String())
	env := protocol.OutboundEnvelope{
		ID:           s.newID(),
		OriginAction: protocol.ActionAuth,
		Result:       protocol.NewAuthResult(s.newID(), s.cfg.UserID, s.cfg.NodeType, s.now().Unix()),
	}
	return s.send(ctx, protocol.ActionAuth, env)
}

// pingLoop sends a PING right away and then on every tick. A failed write
// ends the session through send.
func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		msg := protocol.PingMessage{
			ID:      s.newID(),
			Action:  protocol.ActionPing,
			Version: s.cfg.NodeType.Version(),
		}
		if err := s.send(ctx, protocol.ActionPing, msg); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("ping failed, forcing reconnect", "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *session) readLoop(ctx context.Context, pool pond.Pool) error {
	s.logger.Info("waiting for messages")
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if err = ignoreNormalClose(err); err != nil {
				return fmt.Errorf("read: %w", err)
			}
			s.logger.Info("server closed the session")
			return nil
		}
		if typ != websocket.MessageText {
			s.logger.Debug("ignoring non-text message", "type", typ, "bytes", len(data))
			continue
		}

		env, err := protocol.DecodeInbound(data)
		if err != nil {
			// Malformed messages are dropped; the session carries on.
			s.logger.Warn("dropping malformed message", "error", err, "bytes", len(data))
			s.metrics.MessageError(metrics.ReasonDecodeError)
			continue
		}
		s.metrics.MessageReceived(env.Action)
		s.logger.Debug("received message", "id", env.ID, "action", env.Action)
		s.dispatch(ctx, env, pool)
	}
}

// dispatch handles one inbound envelope. HTTP requests run on pool when it
// is non-nil and inline otherwise. With a pool, dispatch waits for a free
// worker before returning.
func (s *session) dispatch(ctx context.Context, env protocol.InboundEnvelope, pool pond.Pool) {
	switch env.Action {
	case protocol.ActionHTTPRequest:
		if pool == nil {
			s.handleHTTPRequest(ctx, env)
			return
		}
		select {
		case s.relaySlots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		pool.Submit(func() {
			defer func() { <-s.relaySlots }()
			s.handleHTTPRequest(ctx, env)
		})
	case protocol.ActionPong:
		_ = s.respond(ctx, env.ID, protocol.ActionPong, protocol.EmptyResult{})
	default:
		s.logger.Debug("ignoring message", "id", env.ID, "action", env.Action)
	}
}

func (s *session) handleHTTPRequest(ctx context.Context, env protocol.InboundEnvelope) {
	req, err := protocol.DecodeRelayRequest(env.Data)
	if err != nil {
		s.logger.Warn("invalid relay request", "id", env.ID, "error", err)
		s.metrics.RelayRejected(metrics.ReasonInvalidRequest)
		return
	}
	res, err := s.cfg.Relayer.Do(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("relay failed", "id", env.ID, "error", err)
		}
		return
	}
	_ = s.respond(ctx, env.ID, protocol.ActionHTTPRequest, res)
}

func (s *session) respond(ctx context.Context, id, originAction string, result any) error {
	return s.send(ctx, originAction, protocol.OutboundEnvelope{
		ID:           id,
		OriginAction: originAction,
		Result:       result,
	})
}

// send encodes v and writes it as one text message. A write failure ends
// the session.
func (s *session) send(ctx context.Context, action string, v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		err = fmt.Errorf("write %s: %w", action, err)
		s.cancel(err)
		return err
	}
	s.metrics.MessageSent(action)
	s.logger.Debug("sent message", "action", action, "bytes", len(data))
	return nil
}
