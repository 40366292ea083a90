package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeDeviceConnected    MessageType = "DEVICE_CONNECTED"
	TypeDeviceDisconnected MessageType = "DEVICE_DISCONNECTED"
	TypePing               MessageType = "PING"
	TypePong               MessageType = "PONG"
	TypeUpdateProgress     MessageType = "UPDATE_PROGRESS"
	TypeShootProgress      MessageType = "SHOOT_PROGRESS"
	TypeCreditUpdate       MessageType = "CREDIT_UPDATE"
	TypePromptChange       MessageType = "PROMPT_CHANGE"
	TypeAdminSessionUpdate MessageType = "ADMIN_SESSION_UPDATE"
)

// Envelope is the wire form of every sync message. Each envelope belongs to
// exactly one user.
type Envelope struct {
	Type      MessageType     `json:"type"`
	UserID    string          `json:"userId"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Payload is implemented by one struct per message type.
type Payload interface {
	MessageType() MessageType
}

type DeviceConnected struct {
	DeviceID string `json:"deviceId"`
}

type DeviceDisconnected struct {
	DeviceID string `json:"deviceId"`
}

type Ping struct{}

type Pong struct{}

// UpdateProgress is sent by a device that processes a shoot locally.
type UpdateProgress struct {
	ShootID         string `json:"shootId"`
	ProcessedImages int    `json:"processedImages"`
	TotalImages     int    `json:"totalImages"`
	Status          string `json:"status,omitempty"`
}

type ShootProgress struct {
	ShootID         string  `json:"shootId"`
	JobID           string  `json:"jobId,omitempty"`
	Status          string  `json:"status"`
	ProcessedImages int     `json:"processedImages"`
	TotalImages     int     `json:"totalImages"`
	Progress        float64 `json:"progress"`
	Error           string  `json:"error,omitempty"`
}

type CreditUpdate struct {
	Balance int64  `json:"balance"`
	Delta   int64  `json:"delta"`
	Reason  string `json:"reason,omitempty"`
}

type PromptChange struct {
	PresetID string `json:"presetId"`
	Prompt   string `json:"prompt,omitempty"`
}

type AdminSessionUpdate struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

func (DeviceConnected) MessageType() MessageType    { return TypeDeviceConnected }
func (DeviceDisconnected) MessageType() MessageType { return TypeDeviceDisconnected }
func (Ping) MessageType() MessageType               { return TypePing }
func (Pong) MessageType() MessageType               { return TypePong }
func (UpdateProgress) MessageType() MessageType     { return TypeUpdateProgress }
func (ShootProgress) MessageType() MessageType      { return TypeShootProgress }
func (CreditUpdate) MessageType() MessageType       { return TypeCreditUpdate }
func (PromptChange) MessageType() MessageType       { return TypePromptChange }
func (AdminSessionUpdate) MessageType() MessageType { return TypeAdminSessionUpdate }

// NewEnvelope wraps payload for userID. deviceID names the originating device
// and may be empty for server-originated events.
func NewEnvelope(userID string, deviceID string, payload Payload) (Envelope, error) {
	if userID == "" {
		return Envelope{}, fmt.Errorf("envelope %s: user id required", payload.MessageType())
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", payload.MessageType(), err)
	}
	return Envelope{
		Type:      payload.MessageType(),
		UserID:    userID,
		DeviceID:  deviceID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Decode returns the typed payload carried by env.
func Decode(env Envelope) (Payload, error) {
	var p Payload
	switch env.Type {
	case TypeDeviceConnected:
		p = &DeviceConnected{}
	case TypeDeviceDisconnected:
		p = &DeviceDisconnected{}
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeUpdateProgress:
		p = &UpdateProgress{}
	case TypeShootProgress:
		p = &ShootProgress{}
	case TypeCreditUpdate:
		p = &CreditUpdate{}
	case TypePromptChange:
		p = &PromptChange{}
	case TypeAdminSessionUpdate:
		p = &AdminSessionUpdate{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *DeviceConnected:
		return *v
	case *DeviceDisconnected:
		return *v
	case *UpdateProgress:
		return *v
	case *ShootProgress:
		return *v
	case *CreditUpdate:
		return *v
	case *PromptChange:
		return *v
	case *AdminSessionUpdate:
		return *v
	}
	return p
}
