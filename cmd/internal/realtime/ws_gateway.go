package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "connectglobal.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 10 * time.Minute
	wsCloseGrace          = 1 * time.Second
	wsDisconnectTimeout   = 5 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed (secure-by-default for dev).
	wsDefaultOriginRequired = true
)

var wsDefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// Authenticator resolves a handshake token to an active, non-banned user id.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (userID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

// ResolveToken implements Authenticator.
func (f AuthenticatorFunc) ResolveToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// GatewayConfig holds the websocket transport knobs.
type GatewayConfig struct {
	OriginRequired bool
	AllowedOrigins []string
	// InsecureSkipVerify disables the websocket library's own origin check. Dev only.
	InsecureSkipVerify bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    wsDefaultOriginRequired,
		AllowedOrigins:    append([]string(nil), wsDefaultAllowedOrigins...),
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint of the realtime core.
//
// It authenticates the handshake, enforces origin policy, subprotocol selection,
// rate limits and heartbeats, and routes validated envelopes to the Engine.
type WSGateway struct {
	log    *slog.Logger
	engine *Engine
	auth   Authenticator
	cfg    GatewayConfig

	// Derived for websocket.Accept origin checks: Accept authorizes same-host
	// origins by default but requires OriginPatterns for cross-origin.
	originPatterns []string
}

// NewWSGateway constructs a gateway. engine and auth are required.
func NewWSGateway(log *slog.Logger, engine *Engine, auth Authenticator, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.normalized()
	return &WSGateway{
		log:            log,
		engine:         engine,
		auth:           auth,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades an HTTP request, then runs the session.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Authentication happens before the upgrade so a rejected handshake touches no state.
	userID, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	client := NewClient(userID, NewID(now), now, g.cfg.SendQueueSize)
	g.serve(r.Context(), conn, client)
}

func (g *WSGateway) serve(parent context.Context, conn *websocket.Conn, client *Client) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sessionID := client.SessionID
	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, shutdown)
	}()

	// The request context is gone once the peer hangs up; disconnect bookkeeping
	// must still run to completion.
	defer func() {
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(parent), wsDisconnectTimeout)
		defer dcancel()
		g.engine.Disconnect(dctx, client)
	}()

	if err := g.engine.Connect(ctx, client); err != nil {
		g.log.Error("ws.connect.fail", "user_id", client.UserID, "session_id", sessionID, "err", err)
		shutdown(websocket.StatusInternalError, "unavailable")
		<-writerDone
		return
	}
	g.log.Info("ws.session.start", "user_id", client.UserID, "session_id", sessionID)

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(ctx, client, opErr("ws.read", ErrInvalidRequest, err))
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.sendError(ctx, client, opErr("ws.rate", ErrBackpressure, nil))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(ctx, client, opErr("ws.envelope", ErrInvalidRequest, err))
			continue readLoop
		}

		if err := g.route(ctx, client, env); err != nil {
			if errors.Is(err, ErrEngineStopped) {
				shutdown(websocket.StatusGoingAway, "shutting down")
				break readLoop
			}
			g.log.Debug("ws.event.fail", "session_id", sessionID, "type", env.Type, "err", err)
			g.sendError(ctx, client, err)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.session.end", "user_id", client.UserID, "session_id", sessionID)
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// route dispatches one client event to its Engine operation.
func (g *WSGateway) route(ctx context.Context, c *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeJoinConversation:
		var p v1.ConversationRefPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return g.engine.Join(ctx, c, p.ConversationID)

	case v1.TypeLeaveConversation:
		var p v1.ConversationRefPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return g.engine.Leave(ctx, c, p.ConversationID)

	case v1.TypeSendMessage:
		var p v1.SendMessagePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		_, err := g.engine.Send(ctx, c, SendInputFromWire(p))
		return err

	case v1.TypeMessageRead:
		var p v1.MessageReadRequestPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return g.engine.MarkRead(ctx, c, p.MessageID)

	case v1.TypeTypingStart, v1.TypeTypingStop:
		var p v1.ConversationRefPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if env.Type == v1.TypeTypingStart {
			return g.engine.TypingStart(ctx, c, p.ConversationID)
		}
		return g.engine.TypingStop(ctx, c, p.ConversationID)

	default:
		return opErr("ws.route", ErrInvalidRequest, fmt.Errorf("unsupported type: %s", env.Type))
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return opErr("ws.decode", ErrInvalidRequest, errors.New("missing payload"))
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return opErr("ws.decode", ErrInvalidRequest, err)
	}
	return nil
}

// sendError orders the error event behind everything the loop already queued for c.
func (g *WSGateway) sendError(ctx context.Context, c *Client, err error) {
	if serr := g.engine.SendError(ctx, c, err); serr != nil {
		g.log.Debug("ws.error.drop", "session_id", c.SessionID, "err", serr)
	}
}

// ---- authentication ----

func (g *WSGateway) authenticate(r *http.Request) (string, error) {
	if g.auth == nil {
		return "", opErr("ws.auth", ErrAuthenticationFailed, errors.New("no authenticator configured"))
	}
	token := bearerToken(r)
	if token == "" {
		return "", opErr("ws.auth", ErrAuthenticationFailed, errors.New("missing token"))
	}
	userID, err := g.auth.ResolveToken(r.Context(), token)
	if err != nil {
		return "", opErr("ws.auth", ErrAuthenticationFailed, err)
	}
	if strings.TrimSpace(userID) == "" {
		return "", opErr("ws.auth", ErrAuthenticationFailed, errors.New("empty identity"))
	}
	return userID, nil
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter for browser clients that cannot set headers on a websocket handshake.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns,
// so the two origin layers agree.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
