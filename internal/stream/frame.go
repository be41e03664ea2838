package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"missionctl/internal/model"
)

// Pseudo-events bound the stream lifecycle. They are never stored in history.
const (
	PseudoConnected    = "connected"
	PseudoComplete     = "complete"
	PseudoDisconnected = "disconnected"
	PseudoError        = "error"
)

const keepaliveComment = "keepalive"

// Frame is one unit of push output. A frame with an empty Event is a
// comment-only frame.
type Frame struct {
	Event   string
	Data    []byte
	Comment string
}

func EventFrame(event model.Event) (Frame, error) {
	data, err := event.Encode()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: string(event.Kind), Data: data}, nil
}

func PseudoFrame(name string, runID string, message string) Frame {
	data, _ := json.Marshal(map[string]string{
		"run_id":  runID,
		"message": message,
	})
	return Frame{Event: name, Data: data}
}

func KeepaliveFrame() Frame {
	return Frame{Comment: keepaliveComment}
}

func (f Frame) IsKeepalive() bool {
	return f.Event == "" && f.Comment == keepaliveComment
}

// Encode renders the frame in text/event-stream format.
func (f Frame) Encode() []byte {
	var b bytes.Buffer
	if f.Event == "" {
		fmt.Fprintf(&b, ": %s\n\n", f.Comment)
		return b.Bytes()
	}
	fmt.Fprintf(&b, "event: %s\n", f.Event)
	for _, line := range bytes.Split(f.Data, []byte("\n")) {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return b.Bytes()
}

type Sink interface {
	WriteFrame(frame Frame) error
}
