package worldsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// wire envelope shared by every message variant. `requestId` is empty for
// unsolicited pushes. `errorMessage` non-null on a correlated response
// means the request failed at the application level.

type MessageType string

const (
	MessageTypeGeneralErrorResponse    MessageType = "GENERAL_ERROR_RESPONSE"
	MessageTypeQueryRequest            MessageType = "QUERY_REQUEST"
	MessageTypeQueryResponse           MessageType = "QUERY_RESPONSE"
	MessageTypeSessionInfoResponse     MessageType = "SESSION_INFO_RESPONSE"
	MessageTypeTickNotificationResponse MessageType = "TICK_NOTIFICATION_RESPONSE"
	MessageTypeReflectPublishRequest   MessageType = "REFLECT_PUBLISH_REQUEST"
	MessageTypeReflectMessageDelivery  MessageType = "REFLECT_MESSAGE_DELIVERY"
	MessageTypeReflectAckResponse      MessageType = "REFLECT_ACK_RESPONSE"
)

type Envelope struct {
	Type         MessageType `json:"type"`
	Timestamp    int64       `json:"timestamp"`
	RequestId    string      `json:"requestId"`
	ErrorMessage *string     `json:"errorMessage"`
}

func NewEnvelope(messageType MessageType, requestId string) Envelope {
	return Envelope{
		Type:      messageType,
		Timestamp: time.Now().UnixMilli(),
		RequestId: requestId,
	}
}

func (self *Envelope) Head() *Envelope {
	return self
}

func (self *Envelope) SetErrorMessage(errorMessage string) {
	self.ErrorMessage = &errorMessage
}

// nil unless `errorMessage` is set on the wire
func (self *Envelope) Err() error {
	if self.ErrorMessage == nil {
		return nil
	}
	return errors.New(*self.ErrorMessage)
}

type Message interface {
	Head() *Envelope
}

type GeneralErrorResponse struct {
	Envelope
}

func NewGeneralErrorResponse(requestId string, errorMessage string) *GeneralErrorResponse {
	m := &GeneralErrorResponse{
		Envelope: NewEnvelope(MessageTypeGeneralErrorResponse, requestId),
	}
	m.SetErrorMessage(errorMessage)
	return m
}

type QueryRequest struct {
	Envelope
	Query      string `json:"query"`
	Parameters []any  `json:"parameters,omitempty"`
}

func NewQueryRequest(requestId string, query string, parameters []any) *QueryRequest {
	return &QueryRequest{
		Envelope:   NewEnvelope(MessageTypeQueryRequest, requestId),
		Query:      query,
		Parameters: parameters,
	}
}

type QueryResponse struct {
	Envelope
	Result json.RawMessage `json:"result,omitempty"`
}

func NewQueryResponse(requestId string, result json.RawMessage) *QueryResponse {
	return &QueryResponse{
		Envelope: NewEnvelope(MessageTypeQueryResponse, requestId),
		Result:   result,
	}
}

// pushed once per successful connect. Not correlated.
type SessionInfoResponse struct {
	Envelope
	AgentId   string `json:"agentId"`
	SessionId string `json:"sessionId"`
}

func NewSessionInfoResponse(agentId string, sessionId string) *SessionInfoResponse {
	return &SessionInfoResponse{
		Envelope:  NewEnvelope(MessageTypeSessionInfoResponse, ""),
		AgentId:   agentId,
		SessionId: sessionId,
	}
}

// periodic state-advance marker. The payload is produced by an external
// collaborator and carried opaque.
type TickNotificationResponse struct {
	Envelope
	Tick json.RawMessage `json:"tick,omitempty"`
}

func NewTickNotificationResponse(tick json.RawMessage) *TickNotificationResponse {
	return &TickNotificationResponse{
		Envelope: NewEnvelope(MessageTypeTickNotificationResponse, ""),
		Tick:     tick,
	}
}

type ReflectPublishRequest struct {
	Envelope
	SyncGroup string          `json:"syncGroup"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewReflectPublishRequest(requestId string, syncGroup string, channel string, payload json.RawMessage) *ReflectPublishRequest {
	return &ReflectPublishRequest{
		Envelope:  NewEnvelope(MessageTypeReflectPublishRequest, requestId),
		SyncGroup: syncGroup,
		Channel:   channel,
		Payload:   payload,
	}
}

// unsolicited delivery to a subscriber. Carries the recipient's context,
// so no correlation id.
type ReflectMessageDelivery struct {
	Envelope
	SyncGroup     string          `json:"syncGroup"`
	Channel       string          `json:"channel"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	FromSessionId string          `json:"fromSessionId,omitempty"`
}

func NewReflectMessageDelivery(syncGroup string, channel string, payload json.RawMessage, fromSessionId string) *ReflectMessageDelivery {
	return &ReflectMessageDelivery{
		Envelope:      NewEnvelope(MessageTypeReflectMessageDelivery, ""),
		SyncGroup:     syncGroup,
		Channel:       channel,
		Payload:       payload,
		FromSessionId: fromSessionId,
	}
}

type ReflectAckResponse struct {
	Envelope
	SyncGroup string `json:"syncGroup"`
	Channel   string `json:"channel"`
	Delivered int    `json:"delivered"`
}

func NewReflectAckResponse(requestId string, syncGroup string, channel string, delivered int) *ReflectAckResponse {
	return &ReflectAckResponse{
		Envelope:  NewEnvelope(MessageTypeReflectAckResponse, requestId),
		SyncGroup: syncGroup,
		Channel:   channel,
		Delivered: delivered,
	}
}

func EncodeMessage(message Message) ([]byte, error) {
	head := message.Head()
	switch v := message.(type) {
	case *GeneralErrorResponse:
		head.Type = MessageTypeGeneralErrorResponse
	case *QueryRequest:
		head.Type = MessageTypeQueryRequest
	case *QueryResponse:
		head.Type = MessageTypeQueryResponse
	case *SessionInfoResponse:
		head.Type = MessageTypeSessionInfoResponse
	case *TickNotificationResponse:
		head.Type = MessageTypeTickNotificationResponse
	case *ReflectPublishRequest:
		head.Type = MessageTypeReflectPublishRequest
	case *ReflectMessageDelivery:
		head.Type = MessageTypeReflectMessageDelivery
	case *ReflectAckResponse:
		head.Type = MessageTypeReflectAckResponse
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	if head.Timestamp == 0 {
		head.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(message)
}

func DecodeMessage(b []byte) (Message, error) {
	var head Envelope
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, err
	}

	var message Message
	switch head.Type {
	case MessageTypeGeneralErrorResponse:
		message = &GeneralErrorResponse{}
	case MessageTypeQueryRequest:
		message = &QueryRequest{}
	case MessageTypeQueryResponse:
		message = &QueryResponse{}
	case MessageTypeSessionInfoResponse:
		message = &SessionInfoResponse{}
	case MessageTypeTickNotificationResponse:
		message = &TickNotificationResponse{}
	case MessageTypeReflectPublishRequest:
		message = &ReflectPublishRequest{}
	case MessageTypeReflectMessageDelivery:
		message = &ReflectMessageDelivery{}
	case MessageTypeReflectAckResponse:
		message = &ReflectAckResponse{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", head.Type)
	}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	return message, nil
}
