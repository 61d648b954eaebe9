package speech

import (
	"context"
	"errors"

	"github.com/zhouzirui/care-assistant/backend/internal/model/speech"
)

// ErrCaptureDisabled is returned by UnavailableSource.
var ErrCaptureDisabled = errors.New("microphone capture is disabled")

// UnavailableSource stands in for a microphone when capture is turned off.
// Every Open fails, which the widget reports as a denied permission.
type UnavailableSource struct{}

func (UnavailableSource) Supports(string) bool { return true }

func (UnavailableSource) Open(context.Context, speech.Constraints) (MediaHandle, error) {
	return nil, ErrCaptureDisabled
}
