package engine

import (
	"context"
	"time"
)

// ChannelType identifies the transport family of a channel.
type ChannelType string

const (
	ChannelEmail       ChannelType = "email"
	ChannelSMS         ChannelType = "sms"
	ChannelPush        ChannelType = "push"
	ChannelInApp       ChannelType = "in_app"
	ChannelChatWebhook ChannelType = "chat_webhook"
)

// channelCost orders channel types by cost/intrusiveness, ascending.
// Used by the router for medium/low priority picks.
func channelCost(t ChannelType) int {
	switch t {
	case ChannelInApp:
		return 1
	case ChannelPush, ChannelChatWebhook:
		return 2
	case ChannelEmail:
		return 3
	case ChannelSMS:
		return 4
	default:
		return 5
	}
}

// HealthStatus is the channel health state consumed by both the router and
// the processor's circuit-breaker gate. Keep them reading this one field.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Priority orders rules and drives channel fan-out.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ChannelMetrics are cumulative per-channel delivery counters.
// Sent counts attempts, Delivered successful sends, Failed failed attempts.
// AvgLatency is an exponential moving average of successful send latency.
type ChannelMetrics struct {
	Sent       uint64
	Delivered  uint64
	Failed     uint64
	AvgLatency time.Duration
}

// ChannelConfig is the transport configuration of a channel.
type ChannelConfig struct {
	Endpoint      string
	Timeout       time.Duration
	MaxAttempts   int
	RatePerMinute int // 0 means unlimited
}

// Channel is one delivery transport endpoint with its health and metrics.
//
// Identity fields (ID, Name, Type, Config) are fixed at registration.
// Health, LastCheckedAt and Metrics are mutated by the processor and the
// health monitor; read them through the registry snapshot methods.
type Channel struct {
	ID       string
	Name     string
	Type     ChannelType
	Enabled  bool
	Priority int
	Config   ChannelConfig

	Health        HealthStatus
	LastCheckedAt time.Time
	Metrics       ChannelMetrics
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// LogicOp joins a condition's result to the NEXT condition in the list.
type LogicOp string

const (
	LogicAnd LogicOp = "and"
	LogicOr  LogicOp = "or"
)

// Condition compares a dotted field path in the event data against a value.
type Condition struct {
	Field    string
	Operator Operator
	Value    any

	// Logic joins this condition's cumulative result with the next
	// condition. Empty means "and".
	Logic LogicOp
}

// Throttle caps how many notifications a rule may produce per rolling
// hour/day window. Zero caps mean "no cap for that window".
type Throttle struct {
	Enabled    bool
	MaxPerHour int
	MaxPerDay  int
}

// Schedule controls when deliveries produced by a rule become due.
type Schedule struct {
	Delay             time.Duration
	BusinessHoursOnly bool
}

// SpecKind is the recipient spec discriminator.
type SpecKind string

const (
	SpecUser       SpecKind = "user"
	SpecRole       SpecKind = "role"
	SpecDepartment SpecKind = "department"
	SpecCustom     SpecKind = "custom"
)

// RecipientSpec names an abstract set of recipients to resolve at match time.
type RecipientSpec struct {
	Kind  SpecKind
	Value string
}

// Rule binds an event type plus conditions to a template, recipients and
// eligible channels. Rules are read-only during processing.
type Rule struct {
	ID         string
	EventType  string
	Conditions []Condition
	Priority   Priority
	TemplateID string
	Recipients []RecipientSpec
	Channels   []string
	Throttle   Throttle
	Schedule   Schedule
	Active     bool
}

// Block is one renderable content unit of a template.
// Variables lists the dotted event-data paths the author expects.
type Block struct {
	Subject   string
	Body      string
	RichBody  string
	Variables []string
}

// Template holds per-channel content with per-locale overrides layered on
// top of the base blocks. Read-only during rendering.
type Template struct {
	ID       string
	Type     string
	Channels []ChannelType
	Content  map[ChannelType]Block
	// Locales maps a locale tag to per-channel field overrides.
	// Overrides are shallow: only non-empty fields replace the base.
	Locales map[string]map[ChannelType]Block
}

// QuietHours is a recipient-local window during which non-critical
// deliveries are deferred. Start/End are hours of day; a window may wrap
// midnight (e.g. 22..7).
type QuietHours struct {
	Enabled  bool
	Start    int
	End      int
	Timezone string
}

// Preferences are a recipient's delivery preferences. Channels is ordered
// and authoritative: a channel not listed is never used for this recipient.
type Preferences struct {
	Channels   []string
	Locales    []string
	QuietHours QuietHours
}

// Recipient is a concrete resolved notification target.
type Recipient struct {
	ID          string
	Name        string
	Roles       []string
	Departments []string
	Prefs       Preferences
}

// Event is a domain event raised by the host application.
type Event struct {
	ID     string
	Type   string
	Source string
	Data   map[string]any
	Meta   EventMeta

	// Priority overrides the matched rule's priority when non-empty.
	Priority Priority
}

type EventMeta struct {
	At time.Time
}

// DeliveryStatus is the delivery state machine:
// pending -> sent -> {delivered | failed}; failed loops back to pending
// while attempts remain.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// PushPayload is the reshaped push-notification envelope.
type PushPayload struct {
	Title string
	Body  string
	Data  map[string]any
	Badge int
	Sound string
}

// ChatBlock is one structured block of a chat-webhook message.
type ChatBlock struct {
	Type string
	Text string
}

// Payload is rendered, channel-ready content.
type Payload struct {
	Subject string
	Body    string
	Rich    string

	// Push is set for push channels, Chat for chat-webhook channels.
	Push *PushPayload
	Chat []ChatBlock
}

// Delivery is one attempt-tracked unit of work: one recipient, one channel.
// Created by rule processing, mutated exclusively by the processor, terminal
// once delivered or attempts are exhausted.
type Delivery struct {
	ID             string
	NotificationID string
	RecipientID    string
	ChannelID      string
	Status         DeliveryStatus
	Attempts       int
	MaxAttempts    int
	CreatedAt      time.Time
	ScheduledAt    time.Time
	SentAt         *time.Time
	DeliveredAt    *time.Time
	FailedAt       *time.Time
	LastError      string
	RetryAt        []time.Time
	Content        Payload
}

// SendRequest is the uniform envelope handed to a channel transport.
type SendRequest struct {
	ChannelID   string
	ChannelType ChannelType
	Endpoint    string
	RecipientID string
	Payload     Payload
}

// Transport is the pluggable channel gateway interface. Implementations live
// in internal/transport; Probe is used by the health monitor.
type Transport interface {
	Send(ctx context.Context, req SendRequest) error
	Probe(ctx context.Context) error
}

// ---- Bus topic payloads ----

// EventProcessed is published once per ProcessEvent call.
type EventProcessed struct {
	EventID      string    `json:"event_id"`
	RulesMatched int       `json:"rules_matched"`
	At           time.Time `json:"at"`
}

// DeliveryUpdated carries a snapshot of the delivery after each transition.
type DeliveryUpdated struct {
	Delivery Delivery  `json:"delivery"`
	At       time.Time `json:"at"`
}

// HealthChanged is published on every channel health transition.
type HealthChanged struct {
	ChannelID string       `json:"channel_id"`
	From      HealthStatus `json:"from"`
	To        HealthStatus `json:"to"`
	At        time.Time    `json:"at"`
}

// ChannelHealth is the dashboard view of one channel.
type ChannelHealth struct {
	ChannelID string
	Status    HealthStatus
	Metrics   ChannelMetrics
}

// Stats is the aggregated delivery snapshot for dashboards.
type Stats struct {
	Total           int
	Pending         int
	Sent            int
	Delivered       int
	Failed          int
	AvgDeliveryTime time.Duration
}
