package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType tags the payload carried by a Message.
type MessageType string

// Message types exchanged between a worker and its isolated unit.
const (
	MsgInitWorker    MessageType = "init-worker"
	MsgProcessBatch  MessageType = "process-batch"
	MsgBatchComplete MessageType = "batch-complete"
	MsgWorkerError   MessageType = "worker-error"
	MsgShutdown      MessageType = "shutdown"
	MsgError         MessageType = "error"
	MsgSuccess       MessageType = "success"
)

// ErrUnknownMessageType is returned by Decode for an unrecognised type tag.
var ErrUnknownMessageType = errors.New("unknown message type")

// Message is the envelope for all traffic on a channel. A reply carries the
// ID of the request it answers.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	TaskID    string          `json:"taskId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Payload is implemented by every typed message body.
type Payload interface {
	MessageType() MessageType
}

// InitWorker hands a unit its identity during the handshake.
type InitWorker struct {
	WorkerID string `json:"workerId"`
	Debug    bool   `json:"debug"`
}

// ProcessBatch asks a unit to run the file processor over Items.
type ProcessBatch struct {
	Items       []string `json:"items"`
	ProjectRoot string   `json:"projectRoot"`
	AutoModify  bool     `json:"autoModify"`
}

// ItemTiming is the per-item breakdown reported with a completed batch.
type ItemTiming struct {
	Item    string  `json:"item"`
	ParseMS float64 `json:"parseMs"`
	WriteMS float64 `json:"writeMs"`
	TotalMS float64 `json:"totalMs"`
	Skipped bool    `json:"skipped,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// BatchComplete is the reply to ProcessBatch.
type BatchComplete struct {
	Outputs []string     `json:"outputs"`
	Timings []ItemTiming `json:"timings,omitempty"`
	TotalMS float64      `json:"totalMs"`
}

// ErrorPayload is the body of an error reply.
type ErrorPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// WorkerErrorReport is an unsolicited failure report from a unit.
type WorkerErrorReport struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Shutdown asks a unit to stop serving.
type Shutdown struct{}

// Success acknowledges a request that has no other result.
type Success struct {
	WorkerID string `json:"workerId,omitempty"`
}

func (InitWorker) MessageType() MessageType        { return MsgInitWorker }
func (ProcessBatch) MessageType() MessageType      { return MsgProcessBatch }
func (BatchComplete) MessageType() MessageType     { return MsgBatchComplete }
func (ErrorPayload) MessageType() MessageType      { return MsgError }
func (WorkerErrorReport) MessageType() MessageType { return MsgWorkerError }
func (Shutdown) MessageType() MessageType          { return MsgShutdown }
func (Success) MessageType() MessageType           { return MsgSuccess }

// NewMessage builds an envelope around p, stamped with the current time.
func NewMessage(id string, p Payload) (Message, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", p.MessageType(), err)
	}
	return Message{
		ID:        id,
		Type:      p.MessageType(),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// IsError reports whether m carries an error or worker-error payload.
func (m Message) IsError() bool {
	return m.Type == MsgError || m.Type == MsgWorkerError
}

// Decode returns the typed payload of m. The concrete type is a value of one
// of the payload structs in this package, selected by m.Type.
func (m Message) Decode() (Payload, error) {
	switch m.Type {
	case MsgInitWorker:
		return decodeAs[InitWorker](m)
	case MsgProcessBatch:
		return decodeAs[ProcessBatch](m)
	case MsgBatchComplete:
		return decodeAs[BatchComplete](m)
	case MsgError:
		return decodeAs[ErrorPayload](m)
	case MsgWorkerError:
		return decodeAs[WorkerErrorReport](m)
	case MsgShutdown:
		return decodeAs[Shutdown](m)
	case MsgSuccess:
		return decodeAs[Success](m)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
}

func decodeAs[T Payload](m Message) (Payload, error) {
	var v T
	if len(m.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(m.Data, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return v, nil
}
