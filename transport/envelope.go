// Package transport defines the JSON envelopes exchanged on the broker
// between agents, services and channels. Every message is discriminated by
// its msg_type field; a gateway receiving an unknown type rejects the
// message as malformed.
package transport

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MsgType discriminates the envelope union.
type MsgType string

const (
	MsgServiceTask     MsgType = "service_task"
	MsgServiceResponse MsgType = "service_response"
	MsgToChannel       MsgType = "to_channel"
	MsgFromChannel     MsgType = "from_channel"
)

// ServiceTask is dispatched by an agent toward a service instance. Payload
// is the formatted dialog state the service consumes.
type ServiceTask struct {
	MsgType     MsgType        `json:"msg_type"`
	AgentName   string         `json:"agent_name"`
	ServiceName string         `json:"service_name"`
	TaskUUID    string         `json:"task_uuid"`
	Payload     map[string]any `json:"payload"`
}

// ServiceResponse carries one task's result back to the agent named in the
// originating task. ServiceInstanceID is informational.
type ServiceResponse struct {
	MsgType           MsgType `json:"msg_type"`
	AgentName         string  `json:"agent_name"`
	ServiceName       string  `json:"service_name"`
	ServiceInstanceID string  `json:"service_instance_id"`
	TaskUUID          string  `json:"task_uuid"`
	Response          any     `json:"response"`
}

// ToChannel delivers a bot reply to one user of one channel.
type ToChannel struct {
	MsgType   MsgType `json:"msg_type"`
	AgentName string  `json:"agent_name"`
	ChannelID string  `json:"channel_id"`
	UserID    string  `json:"user_id"`
	Response  string  `json:"response"`
}

// FromChannel injects a user utterance into the agent. RequireResponse
// is optional; when absent the agent routes a reply back to the channel,
// and an explicit false marks the utterance fire-and-forget.
type FromChannel struct {
	MsgType           MsgType        `json:"msg_type"`
	AgentName         string         `json:"agent_name"`
	ChannelID         string         `json:"channel_id"`
	UserID            string         `json:"user_id"`
	Utterance         string         `json:"utterance"`
	ResetDialog       bool           `json:"reset_dialog"`
	RequireResponse   *bool          `json:"require_response,omitempty"`
	DeadlineTimestamp float64        `json:"deadline_timestamp,omitempty"`
	Attrs             map[string]any `json:"message_attrs,omitempty"`
}

// WantsResponse resolves the optional require_response field to its
// default.
func (m *FromChannel) WantsResponse() bool {
	return m.RequireResponse == nil || *m.RequireResponse
}

// Encode marshals an envelope, stamping its msg_type from the concrete
// type so callers cannot emit a mistagged message.
func Encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case *ServiceTask:
		m.MsgType = MsgServiceTask
	case *ServiceResponse:
		m.MsgType = MsgServiceResponse
	case *ToChannel:
		m.MsgType = MsgToChannel
	case *FromChannel:
		m.MsgType = MsgFromChannel
	default:
		return nil, errors.Errorf("not a transport envelope: %T", v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode envelope")
	}
	return raw, nil
}

// Decode unmarshals an envelope into its concrete type. An unknown or
// missing msg_type is a fatal parse error for the receiving gateway.
func Decode(data []byte) (any, error) {
	var head struct {
		MsgType MsgType `json:"msg_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(err, "failed to decode envelope")
	}
	var v any
	switch head.MsgType {
	case MsgServiceTask:
		v = &ServiceTask{}
	case MsgServiceResponse:
		v = &ServiceResponse{}
	case MsgToChannel:
		v = &ToChannel{}
	case MsgFromChannel:
		v = &FromChannel{}
	default:
		return nil, errors.Errorf("unknown msg_type %q", head.MsgType)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s envelope", head.MsgType)
	}
	return v, nil
}
