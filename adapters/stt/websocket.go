package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain/entities"
)

const (
	writeWait       = 10 * time.Second
	closeStreamType = "CloseStream"
)

// WebSocketTransport streams audio to a Deepgram-compatible listen endpoint
type WebSocketTransport struct {
	url         string
	language    string
	diarize     bool
	dialTimeout time.Duration
	dialer      *websocket.Dialer
	logger      *zap.Logger
}

// NewWebSocketTransport creates a transport for the given listen URL
func NewWebSocketTransport(endpoint, language string, diarize bool, dialTimeout time.Duration, logger *zap.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		url:         endpoint,
		language:    language,
		diarize:     diarize,
		dialTimeout: dialTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		},
		logger: logger,
	}
}

func (t *WebSocketTransport) Name() string { return "websocket" }

// Endpoint returns the listen URL with the audio format query applied
func (t *WebSocketTransport) Endpoint() (string, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return "", fmt.Errorf("invalid streaming url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	if t.language != "" {
		q.Set("language", t.language)
	}
	if t.diarize {
		q.Set("diarize", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the provider. Authorization failures are fatal.
func (t *WebSocketTransport) Connect(ctx context.Context, credential string) (TransportConn, error) {
	endpoint, err := t.Endpoint()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Token "+credential)
	}

	conn, resp, err := t.dialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: provider rejected credential (%d)", entities.ErrPermissionDenied, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", entities.ErrNetwork, t.Name(), err)
	}

	t.logger.Debug("Dialed streaming provider", zap.String("endpoint", stripQuery(endpoint)))
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// providerMessage is the subset of the provider's JSON results we read
type providerMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word    string `json:"word"`
				Speaker *int   `json:"speaker,omitempty"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (c *wsConn) Send(pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("%w: %v", entities.ErrTransportDrop, err)
	}
	return nil
}

func (c *wsConn) Recv() (entities.TranscriptEvent, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return entities.TranscriptEvent{}, io.EOF
			}
			return entities.TranscriptEvent{}, fmt.Errorf("%w: %v", entities.ErrTransportDrop, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if ev, ok := parseProviderMessage(data); ok {
			return ev, nil
		}
	}
}

// parseProviderMessage extracts a transcript from a results frame. Metadata and
// malformed frames are skipped.
func parseProviderMessage(data []byte) (entities.TranscriptEvent, bool) {
	var msg providerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return entities.TranscriptEvent{}, false
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return entities.TranscriptEvent{}, false
	}

	alt := msg.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return entities.TranscriptEvent{}, false
	}

	ev := entities.TranscriptEvent{Kind: entities.TranscriptInterim, Text: text}
	if msg.IsFinal {
		ev.Kind = entities.TranscriptFinal
	}
	for _, w := range alt.Words {
		if w.Speaker != nil {
			ev.SpeakerID = strconv.Itoa(*w.Speaker)
			break
		}
	}
	return ev, true
}

func (c *wsConn) CloseGracefully() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(map[string]string{"type": closeStreamType}); err != nil {
		return err
	}
	// bound the wait for the provider's own close frame
	c.conn.SetReadDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func stripQuery(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
