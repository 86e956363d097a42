package bus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

const (
	SubjectEventPublished = "event.published"
	SubjectRuleCreated    = "rule.created"
	SubjectRuleUpdated    = "rule.updated"
	SubjectRuleEnabled    = "rule.enabled"
	SubjectRuleDisabled   = "rule.disabled"
	SubjectRuleDeleted    = "rule.deleted"
)

type RuleChange struct {
	RuleID string `json:"rule_id"`
}

type Bus struct {
	Conn *nats.Conn
}

func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Bus{Conn: conn}, nil
}

func (b *Bus) Close() {
	if b.Conn != nil {
		b.Conn.Drain()
		b.Conn.Close()
	}
}

func (b *Bus) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.Conn.Publish(subject, data)
}

func (b *Bus) SubscribeRuleChanges(subject string, handler func(RuleChange)) (*nats.Subscription, error) {
	return b.Conn.Subscribe(subject, func(msg *nats.Msg) {
		var change RuleChange
		_ = json.Unmarshal(msg.Data, &change)
		handler(change)
	})
}

func (b *Bus) SubscribeRaw(subject string, handler func([]byte)) (*nats.Subscription, error) {
	return b.Conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}
