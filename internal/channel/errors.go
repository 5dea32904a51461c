package channel

import (
	"errors"
	"fmt"

	"github.com/lumyxel/dataforge/internal/model"
)

var (
	// ErrClosed is returned for operations on a closed channel, and to every
	// request still waiting for a reply when the channel closes.
	ErrClosed = errors.New("channel closed")

	// ErrTimeout is wrapped by SendRequest when no reply arrives in time.
	ErrTimeout = errors.New("request timed out")

	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// RemoteError is returned by SendRequest when the peer answers with an
// error-typed reply.
type RemoteError struct {
	Type    model.MessageType
	Message string
	Detail  string
}

func (e *RemoteError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("remote %s: %s: %s", e.Type, e.Message, e.Detail)
	}
	return fmt.Sprintf("remote %s: %s", e.Type, e.Message)
}

// remoteError converts an error-typed reply into a RemoteError.
func remoteError(msg model.Message) error {
	re := &RemoteError{Type: msg.Type}
	p, err := msg.Decode()
	if err != nil {
		re.Message = "undecodable error reply"
		re.Detail = err.Error()
		return re
	}
	switch body := p.(type) {
	case model.ErrorPayload:
		re.Message, re.Detail = body.Message, body.Detail
	case model.WorkerErrorReport:
		re.Message, re.Detail = body.Message, body.Detail
	}
	return re
}
