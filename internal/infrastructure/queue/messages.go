package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	coreerrors "github.com/ngoclaw/orchestrator-core/pkg/errors"
)

// Message types recognized by the bus.
const (
	TypeData    = "data"
	TypeSignal  = "signal"
	TypeContext = "context"
	TypeError   = "error"
)

var validMessageTypes = map[string]bool{
	TypeData: true, TypeSignal: true, TypeContext: true, TypeError: true,
}

// Message is the domain-level view of one bus row.
type Message struct {
	ID        uint
	Channel   string
	Sender    string
	Recipient string
	Type      string
	Payload   string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// PostMessageOpts are the optional fields accepted by PostMessage.
type PostMessageOpts struct {
	Recipient  string
	Type       string
	TTLMinutes *int // nil = never expires; 0 = expired on creation
}

// ReadMessagesOpts are the optional filters accepted by ReadMessages and
// ReadDirect.
type ReadMessagesOpts struct {
	AgentID string
	Type    string
	Since   *time.Time
	Limit   int
}

// MessageBus implements the agent message bus described in the swarm
// coordination design: channels, direct messages, signals, and shared
// context, all backed by the same append-only message table.
type MessageBus struct {
	db *gorm.DB
}

// NewMessageBus binds a MessageBus to db.
func NewMessageBus(db *gorm.DB) *MessageBus {
	return &MessageBus{db: db}
}

// PostMessage validates and inserts one message, returning its id.
func (b *MessageBus) PostMessage(channel, sender string, payload interface{}, opts PostMessageOpts) (uint, error) {
	if channel == "" || sender == "" {
		return 0, coreerrors.NewInvalidInput("postMessage requires channel and sender")
	}

	msgType := opts.Type
	if msgType == "" {
		msgType = TypeData
	}
	if !validMessageTypes[msgType] {
		return 0, coreerrors.NewInvalidInput(fmt.Sprintf("invalid message type %q", msgType))
	}

	encoded, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}

	row := MessageModel{
		Channel:   channel,
		Sender:    sender,
		Recipient: opts.Recipient,
		Type:      msgType,
		Payload:   encoded,
		CreatedAt: time.Now().UTC(),
	}
	if opts.TTLMinutes != nil {
		expiry := row.CreatedAt.Add(time.Duration(*opts.TTLMinutes) * time.Minute)
		row.ExpiresAt = &expiry
	}

	if err := b.db.Create(&row).Error; err != nil {
		return 0, coreerrors.NewInternal("post message", err)
	}
	return row.ID, nil
}

// ReadMessages returns unread (per-agent, per-channel cursor), unexpired
// messages on channel matching opts, advancing the cursor on success.
func (b *MessageBus) ReadMessages(channel string, opts ReadMessagesOpts) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	now := time.Now().UTC()
	query := b.db.Model(&MessageModel{}).
		Where("channel = ?", channel).
		Where("expires_at IS NULL OR expires_at > ?", now)

	var cursor *ReadCursorModel
	if opts.AgentID != "" {
		query = query.Where("recipient IS NULL OR recipient = '' OR recipient = ?", opts.AgentID)

		var found ReadCursorModel
		err := b.db.Where("agent_id = ? AND channel = ?", opts.AgentID, channel).First(&found).Error
		switch {
		case err == nil:
			cursor = &found
			query = query.Where("id > ?", found.LastReadID)
		case errors.Is(err, gorm.ErrRecordNotFound):
			// no cursor yet: every message on the channel is unread
		default:
			return nil, coreerrors.NewInternal("load read cursor", err)
		}
	}
	if opts.Type != "" {
		query = query.Where("type = ?", opts.Type)
	}
	if opts.Since != nil {
		query = query.Where("created_at > ?", *opts.Since)
	}

	var rows []MessageModel
	if err := query.Order("created_at ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, coreerrors.NewInternal("read messages", err)
	}

	if opts.AgentID != "" && len(rows) > 0 {
		lastID := rows[len(rows)-1].ID
		if err := b.advanceCursor(opts.AgentID, channel, lastID, cursor); err != nil {
			return nil, err
		}
	}

	return toMessages(rows), nil
}

func (b *MessageBus) advanceCursor(agentID, channel string, lastID uint, existing *ReadCursorModel) error {
	now := time.Now().UTC()
	if existing != nil {
		return b.db.Model(&ReadCursorModel{}).
			Where("agent_id = ? AND channel = ?", agentID, channel).
			Updates(map[string]interface{}{"last_read_id": lastID, "last_read_at": now}).Error
	}
	return b.db.Create(&ReadCursorModel{
		AgentID:    agentID,
		Channel:    channel,
		LastReadID: lastID,
		LastReadAt: now,
	}).Error
}

// directChannel builds the canonical dm: channel name for a pair of agents,
// independent of call order.
func directChannel(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "dm:" + strings.Join(pair, ",")
}

// SendDirect posts a data message addressed to recipient on the canonical
// direct-message channel for the (sender, recipient) pair.
func (b *MessageBus) SendDirect(sender, recipient string, payload interface{}, opts PostMessageOpts) (uint, error) {
	if opts.Type == "" {
		opts.Type = TypeData
	}
	opts.Recipient = recipient
	return b.PostMessage(directChannel(sender, recipient), sender, payload, opts)
}

// ReadDirect returns unexpired messages addressed to agentID, optionally
// restricted to a single sender. Direct messages are read by recipient
// identity rather than a per-channel cursor.
func (b *MessageBus) ReadDirect(agentID, fromAgent string, opts ReadMessagesOpts) ([]Message, error) {
	if agentID == "" {
		return nil, coreerrors.NewInvalidInput("readDirect requires agentId")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	now := time.Now().UTC()
	query := b.db.Model(&MessageModel{}).
		Where("recipient = ?", agentID).
		Where("expires_at IS NULL OR expires_at > ?", now)
	if fromAgent != "" {
		query = query.Where("sender = ?", fromAgent)
	}
	if opts.Type != "" {
		query = query.Where("type = ?", opts.Type)
	}
	if opts.Since != nil {
		query = query.Where("created_at > ?", *opts.Since)
	}

	var rows []MessageModel
	if err := query.Order("created_at ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, coreerrors.NewInternal("read direct messages", err)
	}
	return toMessages(rows), nil
}

// BroadcastSignal posts a signal message with a 60-minute TTL.
func (b *MessageBus) BroadcastSignal(channel, sender, signal string, data interface{}) (uint, error) {
	ttl := 60
	payload := map[string]interface{}{"signal": signal, "data": data}
	return b.PostMessage(channel, sender, payload, PostMessageOpts{Type: TypeSignal, TTLMinutes: &ttl})
}

// ShareContext posts a context message with a 120-minute TTL.
func (b *MessageBus) ShareContext(channel, sender, key string, value interface{}) (uint, error) {
	ttl := 120
	payload := map[string]interface{}{"key": key, "value": value}
	return b.PostMessage(channel, sender, payload, PostMessageOpts{Type: TypeContext, TTLMinutes: &ttl})
}

// contextKeyPattern builds a LIKE pattern that matches shareContext's
// {"key":"<key>",...} payload encoding, escaping LIKE metacharacters in key.
func contextKeyPattern(key string) string {
	encodedKey, _ := json.Marshal(key)
	escaped := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_").Replace(string(encodedKey))
	return fmt.Sprintf(`%%"key":%s,%%`, escaped)
}

// GetContext returns the newest non-expired shareContext payload for key on
// channel, via a direct SQL filter rather than a scan of channel history.
func (b *MessageBus) GetContext(channel, key string) (interface{}, bool, error) {
	now := time.Now().UTC()
	var row MessageModel
	err := b.db.Where("channel = ? AND type = ?", channel, TypeContext).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Where("payload LIKE ? ESCAPE '\\'", contextKeyPattern(key)).
		Order("id DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, coreerrors.NewInternal("get context", err)
	}

	var decoded struct {
		Key   string      `json:"key"`
		Value interface{} `json:"value"`
	}
	if err := json.Unmarshal([]byte(row.Payload), &decoded); err != nil {
		return nil, false, coreerrors.NewInternal("decode context payload", err)
	}
	return decoded.Value, true, nil
}

// CleanExpired deletes every message past its expiry and reports how many
// rows were removed.
func (b *MessageBus) CleanExpired() (int64, error) {
	now := time.Now().UTC()
	result := b.db.Where("expires_at IS NOT NULL AND expires_at < ?", now).Delete(&MessageModel{})
	if result.Error != nil {
		return 0, coreerrors.NewInternal("clean expired messages", result.Error)
	}
	return result.RowsAffected, nil
}

func encodePayload(payload interface{}) (string, error) {
	if s, ok := payload.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", coreerrors.NewInternal("marshal message payload", err)
	}
	return string(encoded), nil
}

func toMessages(rows []MessageModel) []Message {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, Message{
			ID:        r.ID,
			Channel:   r.Channel,
			Sender:    r.Sender,
			Recipient: r.Recipient,
			Type:      r.Type,
			Payload:   r.Payload,
			CreatedAt: r.CreatedAt,
			ExpiresAt: r.ExpiresAt,
		})
	}
	return out
}
