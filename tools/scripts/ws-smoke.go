// Package main provides a CI-friendly WebSocket smoke test for the ConnectGlobal realtime core.
//
// It validates, for two users A and B sharing one conversation:
//   - authenticated handshake + subprotocol selection
//   - join -> conversation_messages history window
//   - A sends -> B receives new_message with status sent
//   - B marks read -> A receives message_read carrying B as reader
//   - typing_start from B reaches A as user_typing
//
// Tokens are HS256 JWTs signed with -secret (the server must run with CG_AUTH_MODE=jwt).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSubprotocol = "connectglobal.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("CG_JWT_SECRET"), "HS256 secret used to sign test tokens")
		issuer  = flag.String("issuer", "connectglobal", "Token issuer claim")
		userA   = flag.String("a", "alice", "User id of the sender")
		userB   = flag.String("b", "bob", "User id of the recipient")
		convID  = flag.String("conv", "dev-conv-1", "Conversation ID shared by both users")
		text    = flag.String("text", "hi 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if len(*secret) < 32 {
		fatalf("-secret (or CG_JWT_SECRET) must be at least 32 bytes")
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, mustToken(*secret, *issuer, *userA), *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, mustToken(*secret, *issuer, *userB), *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustJoin(root, a, *convID, *timeout)
	mustJoin(root, b, *convID, *timeout)

	send := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSendMessage,
		ID:      "A-send",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{ConversationID: *convID, Content: *text, MessageType: "text"}),
	}
	mustWriteWithTimeout(root, a.conn, send, *timeout)

	msg := mustReadNewMessage(root, b, *convID, *text, *timeout)
	if msg.SenderID != a.userID {
		fatalf("new_message sender mismatch: got=%q want=%q", msg.SenderID, a.userID)
	}
	if *verbose {
		fmt.Printf("B received new_message id=%s status=%s\n", msg.ID, msg.Status)
	}

	read := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageRead,
		ID:      "B-read",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageReadRequestPayload{MessageID: msg.ID}),
	}
	mustWriteWithTimeout(root, b.conn, read, *timeout)
	mustReadReceipt(root, a, msg.ID, b.userID, *timeout)

	typing := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTypingStart,
		ID:      "B-typing",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ConversationRefPayload{ConversationID: *convID}),
	}
	mustWriteWithTimeout(root, b.conn, typing, *timeout)
	mustReadTyping(root, a, *convID, b.userID, *timeout)

	fmt.Println("OK: realtime smoke passed")
}

func mustToken(secret, issuer, userID string) string {
	now := time.Now().UTC()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"iss":    issuer,
		"iat":    now.Unix(),
		"exp":    now.Add(5 * time.Minute).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		fatalf("sign token for %s: %v", userID, err)
	}
	return tok
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != defaultSubprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, defaultSubprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if env.V != v1.Version {
				c.fail(fmt.Errorf("bad envelope version: %q", env.V))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoinConversation,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ConversationRefPayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	got := c.mustReadUntilType(parent, v1.TypeConversationMessages, stepTimeout)
	var p v1.ConversationMessagesPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal conversation_messages (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("conversation_messages mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustReadNewMessage(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) v1.Message {
	env := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout)
	var m v1.Message
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		fatalf("unmarshal new_message (%s): %v", c.name, err)
	}
	if m.ConversationID != convID || m.Content != text {
		fatalf("new_message mismatch (%s): conv=%q content=%q", c.name, m.ConversationID, m.Content)
	}
	if strings.TrimSpace(m.ID) == "" {
		fatalf("new_message missing id (%s)", c.name)
	}
	return m
}

func mustReadReceipt(parent context.Context, c *smokeClient, messageID, readerID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageRead, stepTimeout)
	var p v1.MessageReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_read (%s): %v", c.name, err)
	}
	if p.MessageID != messageID || p.ReaderID != readerID {
		fatalf("message_read mismatch (%s): message=%q reader=%q", c.name, p.MessageID, p.ReaderID)
	}
}

func mustReadTyping(parent context.Context, c *smokeClient, convID, userID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeUserTyping, stepTimeout)
	var p v1.UserTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal user_typing (%s): %v", c.name, err)
	}
	if p.ConversationID != convID || p.UserID != userID || !p.IsTyping {
		fatalf("user_typing mismatch (%s): %+v", c.name, p)
	}
}

// mustReadUntilType skips presence, membership and delivery events until wantType arrives.
// An error event fails the run.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", wantType, c.name)
		case err := <-c.errCh:
			fatalf("read loop failed (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &p)
				fatalf("server error while waiting for %s (%s): %s %s", wantType, c.name, p.Code, p.Message)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s: %v", env.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", env.Type, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
