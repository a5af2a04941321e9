// internal/event/envelope.go
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Envelope 是总线上传输的统一事件信封。
// EventID 同时作为消费端的幂等键，AggregateID (订单号) 作为分区键保证同一订单内有序。
type Envelope struct {
	EventID     string          `json:"eventId"`
	EventType   Type            `json:"eventType"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// ErrMalformed 信封缺少必填字段
var ErrMalformed = errors.New("event: malformed envelope")

// New 生成一个带新事件 ID 的信封
func New(t Type, aggregateID string, payload any, now time.Time) (Envelope, error) {
	return NewWithID(uuid.NewString(), t, aggregateID, payload, now)
}

// NewWithID 用调用方指定的事件 ID 生成信封 (确定性 ID 用于去重)
func NewWithID(id string, t Type, aggregateID string, payload any, now time.Time) (Envelope, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", t)
	}
	env := Envelope{
		EventID:     id,
		EventType:   t,
		AggregateID: aggregateID,
		Payload:     raw,
		OccurredAt:  now.UTC(),
	}
	return env, env.Validate()
}

// Validate 检查信封必填字段
func (e Envelope) Validate() error {
	if e.EventID == "" || e.EventType == "" || e.AggregateID == "" {
		return errors.Wrapf(ErrMalformed, "id=%q type=%q aggregate=%q", e.EventID, e.EventType, e.AggregateID)
	}
	return nil
}

// Decode 把 payload 反序列化到 v
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.EventType)
	}
	return nil
}

// Marshal 序列化信封
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal 反序列化并校验信封
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}
	return e, e.Validate()
}
