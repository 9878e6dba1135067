// Package domain contains the core entities of the support broker.
package domain

import "time"

// BotStatus is the runtime health state of a bot instance.
type BotStatus string

const (
	BotHealthy     BotStatus = "healthy"
	BotRateLimited BotStatus = "rate_limited"
	BotError       BotStatus = "error"
	BotDisabled    BotStatus = "disabled"
	BotUnknown     BotStatus = "unknown"
)

// BotConfig is the static, administrator-provisioned half of a bot.
type BotConfig struct {
	ID                  string
	Token               string
	Name                string
	Priority            int // 1 = most preferred
	MaxRequestsPerMin   int
	Enabled             bool
}

// Bot is a bot's full runtime record: config plus mutable health state.
type Bot struct {
	Config BotConfig

	Status              BotStatus
	LastHeartbeat        time.Time
	LastError            string
	RateLimitResetTime    time.Time
	RequestCount          int
	RequestWindowStarted  time.Time
	ConsecutiveFailures   int
	HealthCheckCount      int
	LastRequestTime       time.Time
}

// EntityType distinguishes a private user from an external group.
type EntityType string

const (
	EntityUser  EntityType = "user"
	EntityGroup EntityType = "group"
)

// ConversationStatus is the lifecycle state of a conversation binding.
type ConversationStatus string

const (
	ConvOpen     ConversationStatus = "open"
	ConvPending  ConversationStatus = "pending"
	ConvClosed   ConversationStatus = "closed"
	ConvResolved ConversationStatus = "resolved"
)

// VerificationStatus tracks whether a conversation has been bound to a BindingID.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
)

// Conversation is the persistent binding between an external entity and a support topic.
type Conversation struct {
	ID             int64
	EntityID       string
	EntityType     EntityType
	TopicID        *int64
	Status         ConversationStatus
	Language       string
	EntityName     string
	CustomID       string
	Verification   VerificationStatus
	PreBindCount   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BindingState is the lifecycle of an administrator-provisioned label.
type BindingState string

const (
	BindingUnused BindingState = "unused"
	BindingUsed   BindingState = "used"
)

// BindingID is a single-use administrator-provisioned verification label.
type BindingID struct {
	CustomID     string
	PasswordHash string // empty if no password required
	State        BindingState
	UsedByEntity string // entity_id that consumed it, once used
	CreatedAt    time.Time
}

// MessageDirection is the flow of a message relative to the entity.
type MessageDirection string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)

// Message is an immutable record of one inbound or outbound chat message.
type Message struct {
	ID             int64
	ConversationID int64
	Direction      MessageDirection
	SenderID       string
	PlatformMsgID  string
	Body           string
	CreatedAt      time.Time
}

// Ban records an entity-level block; a zero ExpiresAt means permanent.
type Ban struct {
	EntityID  string
	ExpiresAt time.Time // zero value = permanent
	CreatedAt time.Time
}

// Expired reports whether a non-permanent ban has lapsed as of now.
func (b Ban) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// Priority orders queued messages; higher values are served first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// QueuedMessage is one unit of work moving through the priority queue.
type QueuedMessage struct {
	MessageID         string
	UpdateID          string
	ChatID            string
	UserID            string
	ChatType          string
	Priority          Priority
	Payload           []byte // opaque serialized update
	CreatedAt         time.Time
	RetryCount        int
	AssignedBotID     string
	ProcessingDeadline time.Time
}

// FailoverEvent records a single bot-failure/replacement decision.
type FailoverEvent struct {
	EventID      string
	FailedBotID  string
	Reason       string
	Timestamp    time.Time
	TargetBotID  string
	RecoveryTime *time.Time
	Metadata     map[string]string
}

// Resolved reports whether the failed bot has since recovered.
func (e FailoverEvent) Resolved() bool {
	return e.RecoveryTime != nil
}

// CircuitState is the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerStats is the externally-observable state of one named breaker.
type CircuitBreakerStats struct {
	Name              string
	State             CircuitState
	FailureCount      int
	SuccessCount      int
	LastFailureTime   time.Time
	LastSuccessTime   time.Time
	TotalRequests     int64
	SuccessfulRequests int64
	FailedRequests    int64
	RejectedRequests  int64
	StateChangeTime   time.Time
}

// SuccessRate returns the fraction of total requests that succeeded, or 0 if none.
func (s CircuitBreakerStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}
