// Package chat keeps one live WebSocket per active chat channel, feeding
// realtime frames into the store and reconnecting dropped sockets up to
// a fixed attempt budget.
package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/postgres-ai/platform-console/pkg/actions"
	"github.com/postgres-ai/platform-console/pkg/config"
	"github.com/postgres-ai/platform-console/pkg/logger"
	"github.com/postgres-ai/platform-console/pkg/store"
)

const permanentFailureMessage = "Connection lost. Send a new command to reconnect."

// Conn is the slice of *websocket.Conn the manager relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a realtime connection. Tests substitute their own.
type Dialer func(ctx context.Context, url string) (Conn, error)

func gorillaDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Manager struct {
	cfg        *config.Config
	store      *store.Store
	dispatcher *actions.Dispatcher
	dial       Dialer
	retryDelay time.Duration

	mu      sync.Mutex
	conns   map[string]Conn
	dialing map[string]bool
}

func NewManager(cfg *config.Config, st *store.Store, d *actions.Dispatcher) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		dial:       gorillaDialer(time.Duration(cfg.Realtime.HandshakeTimeoutMS) * time.Millisecond),
		retryDelay: time.Second,
		conns:      make(map[string]Conn),
		dialing:    make(map[string]bool),
	}
}

// SetDialer replaces the connection factory.
func (m *Manager) SetDialer(dial Dialer) { m.dial = dial }

// SetRetryDelay overrides the pause between reconnect attempts.
func (m *Manager) SetRetryDelay(d time.Duration) { m.retryDelay = d }

func connKey(instanceID, channelID string) string {
	return instanceID + "/" + channelID
}

// connectionURL derives the socket endpoint. The channel/session pair is
// hashed so the URL never spells out either id.
func (m *Manager) connectionURL(channelID, sessionID, token string) string {
	sum := sha256.Sum256([]byte(channelID + ":" + sessionID))
	return m.cfg.Realtime.BaseURL + "/" + hex.EncodeToString(sum[:]) + "/" + token
}

func (m *Manager) token() string {
	var token string
	m.store.Read(func(s *store.State) { token = s.Auth.Token })
	return token
}

// SendCommand runs the REST command and then makes sure the channel has
// a live socket for the replies the bot will stream back.
func (m *Manager) SendCommand(ctx context.Context, instanceID, channelID, command string) {
	snap := m.store.Channel(instanceID, channelID)
	m.dispatcher.SendJoeCommand(ctx, m.token(), instanceID, channelID, snap.SessionID, command)
	m.EnsureOpen(ctx, instanceID, channelID)
}

// EnsureOpen opens the channel's socket unless one is already live,
// a dial is in flight, or the channel was closed or permanently failed.
// The key is reserved before the dial goroutine starts so concurrent
// callers cannot race into a second socket.
func (m *Manager) EnsureOpen(ctx context.Context, instanceID, channelID string) {
	snap := m.store.Channel(instanceID, channelID)
	if snap.WSClose || snap.WSFailed {
		return
	}

	key := connKey(instanceID, channelID)
	m.mu.Lock()
	if _, ok := m.conns[key]; ok || m.dialing[key] {
		m.mu.Unlock()
		return
	}
	m.dialing[key] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.dialing, key)
			m.mu.Unlock()
		}()
		m.connect(ctx, instanceID, channelID)
	}()
}

// connect makes the initial dial for a channel. A channel that has
// never been open gets no retry budget: the failure is recorded and the
// next outbound command triggers a fresh attempt.
func (m *Manager) connect(ctx context.Context, instanceID, channelID string) {
	snap := m.store.Channel(instanceID, channelID)
	url := m.connectionURL(channelID, snap.SessionID, m.token())

	conn, err := m.dial(ctx, url)
	if err != nil {
		logger.WarnCF("chat", "connection failed", map[string]interface{}{
			"channel": channelID,
			"error":   err.Error(),
		})
		m.store.ChannelDropped(instanceID, channelID, err.Error())
		return
	}
	m.opened(ctx, instanceID, channelID, conn)
}

// opened records the live socket, sends the server's expected probe, and
// hands the connection to the read loop.
func (m *Manager) opened(ctx context.Context, instanceID, channelID string, conn Conn) {
	m.mu.Lock()
	m.conns[connKey(instanceID, channelID)] = conn
	m.mu.Unlock()

	m.store.ChannelOpened(instanceID, channelID)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(m.cfg.Realtime.ProbeText)); err != nil {
		logger.WarnCF("chat", "probe write failed", map[string]interface{}{
			"channel": channelID,
			"error":   err.Error(),
		})
	}

	go m.readLoop(ctx, instanceID, channelID, conn)
}

// readLoop pumps frames into the store until the socket dies, then
// decides whether to reconnect.
func (m *Manager) readLoop(ctx context.Context, instanceID, channelID string, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.dropConn(instanceID, channelID, conn)

			snap := m.store.Channel(instanceID, channelID)
			if snap.WSClose {
				// Deliberate teardown, not a failure.
				return
			}
			m.store.ChannelDropped(instanceID, channelID, err.Error())
			m.reconnectLoop(ctx, instanceID, channelID, err.Error())
			return
		}
		m.handleFrame(instanceID, channelID, data)
	}
}

// handleFrame merges message frames and ignores everything else. Only a
// frame whose payload carries an id is a chat record; service frames
// (acks, probe echoes) have none.
func (m *Manager) handleFrame(instanceID, channelID string, data []byte) {
	if !gjson.ValidBytes(data) {
		logger.DebugC("chat", "non-JSON frame dropped")
		return
	}
	payload := gjson.GetBytes(data, "payload")
	if !payload.Exists() || !payload.Get("id").Exists() {
		return
	}

	var msg store.ChatMessage
	if err := json.Unmarshal([]byte(payload.Raw), &msg); err != nil {
		logger.WarnCF("chat", "unparsable message frame dropped", map[string]interface{}{
			"channel": channelID,
			"error":   err.Error(),
		})
		return
	}
	m.store.MergeChatMessage(instanceID, channelID, msg)
}

// reconnectLoop retries the dial until it succeeds, the channel is
// closed, or the attempt budget runs out.
func (m *Manager) reconnectLoop(ctx context.Context, instanceID, channelID, lastErr string) {
	for {
		snap := m.store.Channel(instanceID, channelID)
		if snap.WSClose {
			return
		}
		if snap.WSRetryConnectionCount >= m.cfg.Realtime.MaxRetryConnection {
			m.store.ChannelPermanentlyFailed(instanceID, channelID, permanentFailureMessage)
			logger.WarnCF("chat", "channel permanently failed", map[string]interface{}{
				"channel":  channelID,
				"attempts": snap.WSRetryConnectionCount,
				"error":    lastErr,
			})
			return
		}

		m.store.ChannelRetry(instanceID, channelID, snap.WSRetryConnectionCount+1, lastErr)

		if m.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.retryDelay):
			}
		}

		snap = m.store.Channel(instanceID, channelID)
		url := m.connectionURL(channelID, snap.SessionID, m.token())
		conn, err := m.dial(ctx, url)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		m.opened(ctx, instanceID, channelID, conn)
		return
	}
}

func (m *Manager) dropConn(instanceID, channelID string, conn Conn) {
	m.mu.Lock()
	key := connKey(instanceID, channelID)
	if m.conns[key] == conn {
		delete(m.conns, key)
	}
	m.mu.Unlock()
	_ = conn.Close()
}

// CloseChannel tears the channel down for good: the closing flag is set
// first so the read loop sees a deliberate shutdown, then the socket is
// closed. A closed channel never reconnects.
func (m *Manager) CloseChannel(instanceID, channelID string) {
	m.dispatcher.CloseChatChannel(instanceID, channelID)

	m.mu.Lock()
	key := connKey(instanceID, channelID)
	conn := m.conns[key]
	delete(m.conns, key)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}
