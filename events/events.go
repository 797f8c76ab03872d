// Package events carries the egress events of the dispatch core.
//
// Every event gets a UUID and is appended to a bounded queue per topic for each
// subscription. Consumers either pull batches or attach a Sink that the bus pumps
// with retries. An event that was queued is delivered at least once; consumers
// deduplicate by event id. A full queue rejects new events rather than evicting queued
// ones, and Publish reports the rejection as ErrQueueFull.
package events

import (
	"encoding/json"

	"github.com/c360/pointflow/point"
)

// Topic names an event stream
type Topic string

// Event topics
const (
	TopicAlarmCreated Topic = "alarm.created"
	TopicAlarmCleared Topic = "alarm.cleared"
	TopicRuleFired    Topic = "rule.fired"
	TopicSyncApplied  Topic = "sync.applied"
)

// AllTopics lists every topic
var AllTopics = []Topic{TopicAlarmCreated, TopicAlarmCleared, TopicRuleFired, TopicSyncApplied}

// Event is the envelope delivered to consumers
type Event struct {
	ID        string          `json:"id"`
	Topic     Topic           `json:"topic"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Alarm origins
const (
	OriginAlarmRule    = "alarm_rule"
	OriginBusinessRule = "business_rule"
)

// AlarmCreated is emitted when an alarm instance becomes active, or when a business
// rule raises an alarm through its CreateAlarm action.
type AlarmCreated struct {
	RuleID       string     `json:"rule_id"`
	Origin       string     `json:"origin"`
	Level        string     `json:"level"`
	Title        string     `json:"title"`
	SourceKey    *point.Key `json:"source_key,omitempty"`
	TriggerValue float64    `json:"trigger_value"`
	Threshold    float64    `json:"threshold"`
	Operator     string     `json:"operator,omitempty"`
	TriggeredAt  int64      `json:"triggered_at"`
}

// AlarmCleared is emitted when an active instance is cleared
type AlarmCleared struct {
	RuleID       string     `json:"rule_id"`
	SourceKey    *point.Key `json:"source_key,omitempty"`
	CurrentValue float64    `json:"current_value"`
	ClearReason  string     `json:"clear_reason"`
	TriggeredAt  int64      `json:"triggered_at"`
	ClearedAt    int64      `json:"cleared_at"`
}

// ActionOutcome reports one business-rule action
type ActionOutcome struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RuleFired is emitted each time a business rule's actions run
type RuleFired struct {
	RuleID     string          `json:"rule_id"`
	TriggerKey *point.Key      `json:"trigger_key,omitempty"`
	FireCount  uint64          `json:"fire_count"`
	Actions    []ActionOutcome `json:"actions"`
	FiredAt    int64           `json:"fired_at"`
}

// SyncApplied is emitted after a sync rule wrote its target
type SyncApplied struct {
	RuleID    string    `json:"rule_id"`
	SourceKey point.Key `json:"source_key"`
	TargetKey point.Key `json:"target_key"`
	Value     float64   `json:"value"`
}
