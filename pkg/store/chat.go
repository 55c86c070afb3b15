package store

import (
	"strings"
	"time"

	"github.com/postgres-ai/platform-console/pkg/logger"
)

// ChannelSnapshot is the realtime manager's read view of one channel's
// connection bookkeeping.
type ChannelSnapshot struct {
	Exists                 bool
	SessionID              string
	WSOpen                 bool
	WSClose                bool
	WSFailed               bool
	WSRetryConnectionCount int
}

func (s *Store) getOrCreateInstanceLocked(instanceID string) *ChatInstance {
	inst, ok := s.state.Chat.Instances[instanceID]
	if !ok {
		inst = &ChatInstance{Channels: map[string]*ChatChannel{}}
		s.state.Chat.Instances[instanceID] = inst
	}
	return inst
}

func (s *Store) getOrCreateChannelLocked(instanceID, channelID string) *ChatChannel {
	inst := s.getOrCreateInstanceLocked(instanceID)
	ch, ok := inst.Channels[channelID]
	if !ok {
		ch = &ChatChannel{Messages: map[string]*ChatMessage{}}
		inst.Channels[channelID] = ch
	}
	return ch
}

// messageIdentity picks the merge key. The realtime feed uses id while
// some command replies only carry message_id; both name the same
// identity space, so id wins and a divergence is only worth a warning.
func messageIdentity(msg ChatMessage) string {
	switch {
	case msg.ID != "":
		if msg.MessageID != "" && msg.MessageID != msg.ID {
			logger.WarnCF("store", "chat message id/message_id mismatch", map[string]interface{}{
				"id":         msg.ID,
				"message_id": msg.MessageID,
			})
		}
		return msg.ID
	case msg.MessageID != "":
		return msg.MessageID
	default:
		return ""
	}
}

// formatMessage derives the display text once per change instead of on
// every render.
func formatMessage(raw string) string {
	return strings.TrimRight(raw, "\n ")
}

func formatTime(createdAt string) string {
	if createdAt == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return createdAt
	}
	return t.Local().Format("15:04:05")
}

// mergeMessageLocked upserts one chat record. A record is considered
// changed only when status, delivery_status, message, or created_at
// differ from what is already stored; merging an identical record is a
// no-op so redelivered frames cannot churn subscribers. Reports whether
// the channel changed.
func (s *Store) mergeMessageLocked(ch *ChatChannel, msg ChatMessage) bool {
	key := messageIdentity(msg)
	if key == "" {
		logger.DebugC("store", "chat message without identity dropped")
		return false
	}

	existing, ok := ch.Messages[key]
	if ok &&
		existing.Status == msg.Status &&
		existing.DeliveryStatus == msg.DeliveryStatus &&
		existing.Message == msg.Message &&
		existing.CreatedAt == msg.CreatedAt {
		return false
	}

	msg.FormattedMessage = formatMessage(msg.Message)
	msg.FormattedTime = formatTime(msg.CreatedAt)
	if ok {
		*existing = msg
	} else {
		stored := msg
		ch.Messages[key] = &stored
	}
	if msg.SessionID != "" {
		ch.SessionID = msg.SessionID
	}
	return true
}

// MergeChatMessage folds one realtime frame into the channel it belongs
// to. Subscribers are notified only when the merge changed something.
func (s *Store) MergeChatMessage(instanceID, channelID string, msg ChatMessage) {
	s.mu.Lock()
	ch := s.getOrCreateChannelLocked(instanceID, channelID)
	changed := s.mergeMessageLocked(ch, msg)
	if changed {
		s.broadcastLocked()
	}
	s.mu.Unlock()
}

// ChannelOpened records a live socket: retry bookkeeping is reset so a
// later drop starts its attempt budget from zero.
func (s *Store) ChannelOpened(instanceID, channelID string) {
	s.mu.Lock()
	ch := s.getOrCreateChannelLocked(instanceID, channelID)
	ch.WSOpen = true
	ch.WSFailed = false
	ch.WSRetryConnectionCount = 0
	ch.WSErrorMessage = ""
	s.broadcastLocked()
	s.mu.Unlock()
}

// ChannelRetry records one failed reconnect attempt.
func (s *Store) ChannelRetry(instanceID, channelID string, count int, errMessage string) {
	s.mu.Lock()
	ch := s.getOrCreateChannelLocked(instanceID, channelID)
	ch.WSOpen = false
	ch.WSRetryConnectionCount = count
	ch.WSErrorMessage = errMessage
	s.broadcastLocked()
	s.mu.Unlock()
}

// ChannelPermanentlyFailed marks a channel whose reconnect budget is
// exhausted. Only a new outbound command clears it.
func (s *Store) ChannelPermanentlyFailed(instanceID, channelID, errMessage string) {
	s.mu.Lock()
	ch := s.getOrCreateChannelLocked(instanceID, channelID)
	ch.WSOpen = false
	ch.WSFailed = true
	ch.WSErrorMessage = errMessage
	s.broadcastLocked()
	s.mu.Unlock()
}

// ChannelDropped records a connection loss on an open channel without
// consuming a retry attempt.
func (s *Store) ChannelDropped(instanceID, channelID, errMessage string) {
	s.mu.Lock()
	ch := s.getOrCreateChannelLocked(instanceID, channelID)
	ch.WSOpen = false
	ch.WSErrorMessage = errMessage
	s.broadcastLocked()
	s.mu.Unlock()
}

// Channel reads the connection bookkeeping for one channel. A zero
// snapshot with Exists false means the channel was never touched.
func (s *Store) Channel(instanceID string, channelID string) ChannelSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.state.Chat.Instances[instanceID]
	if !ok {
		return ChannelSnapshot{}
	}
	ch, ok := inst.Channels[channelID]
	if !ok {
		return ChannelSnapshot{}
	}
	return ChannelSnapshot{
		Exists:                 true,
		SessionID:              ch.SessionID,
		WSOpen:                 ch.WSOpen,
		WSClose:                ch.WSClose,
		WSFailed:               ch.WSFailed,
		WSRetryConnectionCount: ch.WSRetryConnectionCount,
	}
}
