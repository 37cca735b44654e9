package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const logPrefix = "[gateway]"

// MessageHandler receives each inbound chat message. Handlers must not
// block; slow work belongs on the caller's own goroutines.
type MessageHandler func(msg Message)

type GatewayOptions struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

func (o GatewayOptions) withDefaults() GatewayOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	return o
}

// Gateway maintains the realtime connection and dispatches message events.
type Gateway struct {
	wsURL   string
	token   string
	opts    GatewayOptions
	handler MessageHandler
}

func NewGateway(wsURL, token string, handler MessageHandler, opts GatewayOptions) (*Gateway, error) {
	if strings.TrimSpace(wsURL) == "" {
		return nil, fmt.Errorf("wsURL is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return &Gateway{wsURL: wsURL, token: token, opts: opts.withDefaults(), handler: handler}, nil
}

// Run keeps the gateway connected until ctx is cancelled, reconnecting with
// exponential backoff after each drop.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := g.opts.InitialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		err := g.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = g.opts.InitialBackoff
		}
		log.Printf("%s disconnected: %v (retry in %s)", logPrefix, err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < g.opts.MaxBackoff {
			backoff *= 2
			if backoff > g.opts.MaxBackoff {
				backoff = g.opts.MaxBackoff
			}
		}
	}
}

func (g *Gateway) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: g.opts.HandshakeTimeout}
	conn, _, err := dialer.Dial(g.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	sendText := func(payload string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, []byte(payload))
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(2*time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		for _, frame := range splitFrames(raw) {
			s := string(frame)
			if s == "" {
				continue
			}

			switch s[0] {
			case '0': // transport open, authenticate
				authPayload, _ := json.Marshal(map[string]string{"token": g.token})
				if err := sendText("40" + string(authPayload)); err != nil {
					return err
				}
			case '1':
				return errors.New("server closed transport")
			case '2': // ping
				if err := sendText("3"); err != nil {
					return err
				}
			case '4':
				if len(s) >= 2 && s[1] == '4' {
					return fmt.Errorf("gateway error: %s", strings.TrimSpace(s))
				}
				if strings.HasPrefix(s, "42") {
					g.dispatchEvent([]byte(s[2:]))
				}
			default:
			}
		}
	}
}

func (g *Gateway) dispatchEvent(raw []byte) {
	eventName, payload, ok := decodeEventPayload(raw)
	if !ok || eventName != "message.create" {
		return
	}
	msg, ok := ParseMessage(payload)
	if !ok {
		log.Printf("%s dropping malformed message.create payload", logPrefix)
		return
	}
	g.handler(msg)
}

func decodeEventPayload(raw []byte) (eventName string, payload json.RawMessage, ok bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return "", nil, false
	}
	if len(arr) == 0 {
		return "", nil, false
	}
	if err := json.Unmarshal(arr[0], &eventName); err != nil {
		return "", nil, false
	}
	if strings.TrimSpace(eventName) == "" {
		return "", nil, false
	}
	if len(arr) < 2 {
		return eventName, nil, true
	}
	return eventName, arr[1], true
}

// splitFrames breaks an Engine.IO payload on the 0x1e record separator.
func splitFrames(raw []byte) [][]byte {
	return bytes.Split(raw, []byte{0x1e})
}
