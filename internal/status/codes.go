package status

import (
	"errors"

	"github.com/e2openplugins/webgrab/internal/grab"
)

const (
	Done    = "DONE"  // capture delivered
	Failed  = "FAIL"  // capture failed, diagnostic sent
	Aborted = "ABORT" // client went away
	Busy    = "BUSY"  // rejected, staging file in use
)

// Message wraps a status code and message text
type Message struct {
	Code    string `json:"code"`
	Text    string `json:"text"`
	Session string `json:"session"`
}

// FromEvent describes a finished capture session.
func FromEvent(e grab.Event) Message {
	msg := Message{Session: e.Session}
	switch e.State {
	case grab.StateCompleted:
		msg.Code = Done
		msg.Text = e.Name + " ready"
	case grab.StateAborted:
		msg.Code = Aborted
		msg.Text = e.Source.String() + " capture cancelled"
	default:
		msg.Code = Failed
		msg.Text = failureText(e)
	}
	return msg
}

func failureText(e grab.Event) string {
	switch {
	case errors.Is(e.Err, grab.ErrSpawn):
		return "Capture program could not be started"
	case errors.Is(e.Err, grab.ErrCaptureTimeout):
		return "Capture timed out"
	case errors.Is(e.Err, grab.ErrCaptureEmpty):
		return "Capture produced no image"
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "Capture failed"
	}
}
