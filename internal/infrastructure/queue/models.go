package queue

import "time"

// SwarmTaskModel is the gorm row backing one subtask in the state machine
// described by createSwarm/claimTask/completeTask/failTask/resetTask.
type SwarmTaskModel struct {
	ID          string `gorm:"primaryKey;size:128"`
	SwarmID     string `gorm:"index;size:64;not null"`
	Seq         int    `gorm:"not null"`
	Description string `gorm:"type:text;not null"`
	Prompt      string `gorm:"type:text"`
	Status      string `gorm:"size:16;index;not null"` // pending|claimed|running|done|failed
	AgentID     string `gorm:"size:128"`
	Model       string `gorm:"size:128"`
	Strategy    string `gorm:"size:32"`
	Mode        string `gorm:"size:16"` // inline|agent
	Result      string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	Metadata    string `gorm:"type:text"` // JSON: {depends_on, capability, subtask_index, notified}
}

func (SwarmTaskModel) TableName() string { return "swarm_tasks" }

// MessageModel is the gorm row backing one agent-bus message.
type MessageModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Channel   string `gorm:"size:256;index;not null"`
	Sender    string `gorm:"size:128;not null"`
	Recipient string `gorm:"size:128;index"` // empty = broadcast
	Type      string `gorm:"size:16;not null"`
	Payload   string `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
	ExpiresAt *time.Time `gorm:"index"`
}

func (MessageModel) TableName() string { return "messages" }

// ReadCursorModel tracks, per (agent, channel), the highest message id that
// agent has already consumed.
type ReadCursorModel struct {
	AgentID    string `gorm:"primaryKey;size:128"`
	Channel    string `gorm:"primaryKey;size:256"`
	LastReadID uint   `gorm:"not null"`
	LastReadAt time.Time
}

func (ReadCursorModel) TableName() string { return "read_cursors" }
