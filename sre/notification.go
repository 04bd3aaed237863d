package sre

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notification reports completed work for one round back to the issuer.
type Notification struct {
	Subject        string            `json:"subject"`
	Task           string            `json:"task"`
	Round          uint64            `json:"round"`
	IdempotencyKey string            `json:"idempotency_key"`
	ResultDigest   string            `json:"result_digest"`
	Timestamp      time.Time         `json:"timestamp"`
	Final          bool              `json:"final,omitempty"`
	Evidence       map[string]string `json:"evidence,omitempty"`
}

// NotificationRules are applied to every parsed notification.
var NotificationRules = []Rule[*Notification]{
	{ID: "SRE-NOTE-001", Apply: func(n *Notification) error {
		if n.Subject == "" || n.Task == "" {
			return malformed("SRE-NOTE-001", "notification must name subject and task")
		}
		return nil
	}},
	{ID: "SRE-NOTE-002", Apply: func(n *Notification) error {
		if n.Round < 1 {
			return malformed("SRE-NOTE-002", "notification round must be >= 1")
		}
		return nil
	}},
	{ID: "SRE-NOTE-003", Apply: func(n *Notification) error {
		if n.IdempotencyKey == "" {
			return malformed("SRE-NOTE-003", "missing idempotency_key")
		}
		return nil
	}},
	{ID: "SRE-NOTE-004", Apply: func(n *Notification) error {
		if n.ResultDigest == "" {
			return malformed("SRE-NOTE-004", "missing result_digest")
		}
		return nil
	}},
	{ID: "SRE-NOTE-005", Apply: func(n *Notification) error {
		if n.Timestamp.IsZero() {
			return malformed("SRE-NOTE-005", "missing timestamp")
		}
		return nil
	}},
	{ID: "SRE-NOTE-006", Apply: func(n *Notification) error {
		if hasControl(n.Subject) || hasControl(n.Task) {
			return malformed("SRE-NOTE-006", "subject and task must not contain control characters")
		}
		return nil
	}},
}

// ParseNotification decodes and validates a wire notification.
func ParseNotification(raw []byte, opts ParseOptions) (*Notification, error) {
	if err := scanDocument(raw); err != nil {
		return nil, err
	}
	o, err := newObject(raw, "notification")
	if err != nil {
		return nil, err
	}
	n := &Notification{}
	o.get("subject", &n.Subject)
	o.get("task", &n.Task)
	o.get("round", &n.Round)
	o.get("idempotency_key", &n.IdempotencyKey)
	o.get("result_digest", &n.ResultDigest)
	o.getTime("timestamp", &n.Timestamp)
	o.get("final", &n.Final)
	o.get("evidence", &n.Evidence)
	if err := o.finish(opts.Mode); err != nil {
		return nil, err
	}
	if err := ValidateRules(n, NotificationRules); err != nil {
		return nil, err
	}
	return n, nil
}

// MarshalNotification encodes n in the wire format.
func MarshalNotification(n *Notification) ([]byte, error) {
	if n == nil {
		return nil, fmt.Errorf("sre: nil notification")
	}
	c := *n
	c.Timestamp = n.Timestamp.UTC()
	return json.Marshal(&c)
}

// Ack is the receiver's answer to a notification.
//
// A repeated notification (same idempotency key) receives a byte-identical
// Ack. FollowUp, when present, holds the wire bytes of the next round's
// signed envelope.
type Ack struct {
	Code           Code              `json:"code"`
	Reason         string            `json:"reason,omitempty"`
	RuleID         string            `json:"rule_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Subject        string            `json:"subject"`
	Task           string            `json:"task"`
	Round          uint64            `json:"round"`
	Final          bool              `json:"final,omitempty"`
	FollowUp       json.RawMessage   `json:"follow_up,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
}

// RejectionAck builds an Ack describing err for notification n.
func RejectionAck(n *Notification, err error, at time.Time) Ack {
	a := Ack{
		Code:       CodeOf(err),
		RuleID:     RuleIDOf(err),
		ReceivedAt: at.UTC(),
	}
	if err != nil {
		a.Reason = err.Error()
	}
	if n != nil {
		a.IdempotencyKey = n.IdempotencyKey
		a.Subject = n.Subject
		a.Task = n.Task
		a.Round = n.Round
	}
	return a
}

// MarshalAck encodes a in the wire format.
func MarshalAck(a *Ack) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("sre: nil ack")
	}
	c := *a
	c.ReceivedAt = a.ReceivedAt.UTC()
	return json.Marshal(&c)
}

// ParseAck decodes an Ack. Unknown fields are ignored so older agents can
// read acknowledgments from newer servers.
func ParseAck(raw []byte) (*Ack, error) {
	if err := scanDocument(raw); err != nil {
		return nil, err
	}
	var a Ack
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, WrapError(KindMalformed, "SRE-WIRE-006", "ack has the wrong shape", err)
	}
	if a.Code == "" {
		return nil, malformed("SRE-ACK-001", "ack is missing code")
	}
	return &a, nil
}
