// Package protocol holds the JSON shapes exchanged with HTTP and websocket
// clients of the conversion API.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/antoniostano/narrate/internal/conversion"
)

var ErrInvalidMessage = errors.New("invalid progress message")

type CreateConversionRequest struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

type CreateConversionResponse struct {
	ID       string            `json:"id"`
	Status   conversion.Status `json:"status"`
	Segments int               `json:"segments"`
}

// Progress is both the GET /progress body and each websocket frame.
type Progress struct {
	Status   conversion.Status `json:"status"`
	Progress float64           `json:"progress"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ParseProgress decodes a progress frame and rejects unknown statuses or
// out-of-range percentages.
func ParseProgress(raw []byte) (Progress, error) {
	var msg Progress
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Progress{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !msg.Status.Valid() {
		return Progress{}, fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, msg.Status)
	}
	if msg.Progress < 0 || msg.Progress > 100 {
		return Progress{}, fmt.Errorf("%w: progress %.2f out of range", ErrInvalidMessage, msg.Progress)
	}
	return msg, nil
}
