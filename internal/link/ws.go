package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/model"
)

const (
	defaultRequestTimeout = 10 * time.Second
	writeWait             = 5 * time.Second
)

type WSConfig struct {
	URL            string
	SharedKey      string
	RequestTimeout time.Duration
	Dialer         *websocket.Dialer
}

// WSAdapter bridges to the link sidecar over one websocket. Requests carry an
// id and are matched to responses through the pending map; frames with an
// "event" field are pushed to the sink.
type WSAdapter struct {
	cfg  WSConfig
	sink EventSink
	log  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wsFrame
	bound   map[string]string // serverID -> userID
}

type wsServer struct {
	ID          string `json:"id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	PlayerID    string `json:"playerId"`
	PlayerToken string `json:"playerToken"`
}

type wsRequest struct {
	ID       string            `json:"id"`
	Op       string            `json:"op"`
	UserID   string            `json:"userId,omitempty"`
	ServerID string            `json:"serverId,omitempty"`
	Server   *wsServer         `json:"server,omitempty"`
	Command  model.CommandName `json:"command,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
}

// wsFrame is either a response (ID set) or an event (Event set).
type wsFrame struct {
	ID       string          `json:"id,omitempty"`
	OK       bool            `json:"ok"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *wsError        `json:"error,omitempty"`
	Event    model.EventKind `json:"event,omitempty"`
	ServerID string          `json:"serverId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewWSAdapter(cfg WSConfig, sink EventSink) (*WSAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("link url is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &WSAdapter{
		cfg:     cfg,
		sink:    sink,
		log:     logging.Component("link"),
		pending: make(map[string]chan wsFrame),
		bound:   make(map[string]string),
	}, nil
}

// Serve dials the sidecar and pumps frames until the connection drops or ctx
// ends. A dropped connection is returned as an error so the supervisor
// restarts it.
func (a *WSAdapter) Serve(ctx context.Context) error {
	var conn *websocket.Conn
	err := retryLink(ctx, "dial", func(c context.Context) error {
		var dialErr error
		conn, dialErr = a.dial(c)
		return dialErr
	})
	if err != nil {
		return fmt.Errorf("dial link: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.log.Info().Str("url", a.cfg.URL).Msg("link connected")

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			a.writeMu.Unlock()
			_ = conn.Close()
		case <-stop:
		}
	}()

	readErr := a.readLoop(conn)
	close(stop)
	_ = conn.Close()
	a.dropConn()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("link read: %w", readErr)
}

func (a *WSAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if a.cfg.SharedKey != "" {
		header.Set("X-Link-Auth", a.cfg.SharedKey)
	}
	conn, resp, err := a.cfg.Dialer.DialContext(ctx, a.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, &handshakeError{Status: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return conn, nil
}

func (a *WSAdapter) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.log.Warn().Err(err).Msg("link read error")
			}
			return err
		}

		var f wsFrame
		if err := gojson.Unmarshal(msg, &f); err != nil {
			a.log.Warn().Err(err).Msg("malformed link frame")
			continue
		}
		if f.Event != "" {
			a.handleEvent(f)
			continue
		}

		a.mu.Lock()
		ch, ok := a.pending[f.ID]
		if ok {
			delete(a.pending, f.ID)
		}
		a.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (a *WSAdapter) handleEvent(f wsFrame) {
	if !f.Event.Valid() || f.ServerID == "" {
		a.log.Warn().Str("kind", string(f.Event)).Str("server_id", f.ServerID).Msg("dropping unknown link event")
		return
	}
	if f.Event == model.EventConnectionStatus {
		var st model.ConnectionStatusPayload
		if err := gojson.Unmarshal(f.Payload, &st); err == nil && !st.Connected {
			a.mu.Lock()
			delete(a.bound, f.ServerID)
			a.mu.Unlock()
		}
	}
	if a.sink != nil {
		a.sink.Publish(f.ServerID, f.Event, f.Payload)
	}
}

// dropConn fails in-flight requests and reports every binding as lost.
func (a *WSAdapter) dropConn() {
	a.mu.Lock()
	a.conn = nil
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	lost := make([]string, 0, len(a.bound))
	for serverID := range a.bound {
		lost = append(lost, serverID)
	}
	a.bound = make(map[string]string)
	a.mu.Unlock()

	for _, serverID := range lost {
		if a.sink != nil {
			a.sink.Publish(serverID, model.EventConnectionStatus, model.ConnectionStatusPayload{Connected: false, Reason: "link_lost"})
		}
	}
}

func (a *WSAdapter) call(ctx context.Context, req wsRequest) (wsFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	req.ID = uuid.NewString()
	ch := make(chan wsFrame, 1)

	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return wsFrame{}, fmt.Errorf("%s: %w", req.Op, ErrUnavailable)
	}
	a.pending[req.ID] = ch
	a.mu.Unlock()

	data, err := gojson.Marshal(req)
	if err != nil {
		a.forget(req.ID)
		return wsFrame{}, err
	}

	a.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	a.writeMu.Unlock()
	if err != nil {
		a.forget(req.ID)
		return wsFrame{}, fmt.Errorf("%s write: %w", req.Op, ErrUnavailable)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return wsFrame{}, fmt.Errorf("%s: connection closed: %w", req.Op, ErrUnavailable)
		}
		if !f.OK {
			return f, frameError(req.Op, f.Error)
		}
		return f, nil
	case <-ctx.Done():
		a.forget(req.ID)
		return wsFrame{}, ctx.Err()
	}
}

func (a *WSAdapter) forget(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func frameError(op string, e *wsError) error {
	if e == nil {
		return fmt.Errorf("%s: link returned failure", op)
	}
	if e.Code == "not_bound" {
		return fmt.Errorf("%s: %s: %w", op, e.Message, ErrNotBound)
	}
	return fmt.Errorf("%s: link error %s: %s", op, e.Code, e.Message)
}

func (a *WSAdapter) Connect(ctx context.Context, userID string, server model.Server) error {
	_, err := a.call(ctx, wsRequest{
		Op:       "connect",
		UserID:   userID,
		ServerID: server.ID,
		Server: &wsServer{
			ID:          server.ID,
			IP:          server.IP,
			Port:        server.Port,
			PlayerID:    server.PlayerID,
			PlayerToken: server.PlayerToken,
		},
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.bound[server.ID] = userID
	a.mu.Unlock()
	return nil
}

func (a *WSAdapter) Bound(serverID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.bound[serverID]
	return ok && a.conn != nil
}

func (a *WSAdapter) Execute(ctx context.Context, req model.CommandRequest) (json.RawMessage, error) {
	if !a.Bound(req.ServerID) {
		return nil, fmt.Errorf("execute %s on %s: %w", req.Command, req.ServerID, ErrNotBound)
	}
	f, err := a.call(ctx, wsRequest{
		Op:       "execute",
		UserID:   req.UserID,
		ServerID: req.ServerID,
		Command:  req.Command,
		Payload:  req.Payload,
	})
	if err != nil {
		if errors.Is(err, ErrNotBound) {
			a.mu.Lock()
			delete(a.bound, req.ServerID)
			a.mu.Unlock()
		}
		return nil, err
	}
	return f.Result, nil
}

func (a *WSAdapter) Unbind(ctx context.Context, userID, serverID string) error {
	a.mu.Lock()
	owner, ok := a.bound[serverID]
	if ok && owner == userID {
		delete(a.bound, serverID)
	}
	a.mu.Unlock()
	if !ok || owner != userID {
		return nil
	}
	_, err := a.call(ctx, wsRequest{Op: "unbind", UserID: userID, ServerID: serverID})
	if err != nil && !errors.Is(err, ErrNotBound) {
		return err
	}
	return nil
}
