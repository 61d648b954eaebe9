package speech

import "time"

// CaptureState models the microphone capture lifecycle.
type CaptureState string

const (
	CaptureIdle                 CaptureState = "idle"
	CaptureRequestingPermission CaptureState = "requesting_permission"
	CaptureRecording            CaptureState = "recording"
	CaptureStopping             CaptureState = "stopping"
)

const (
	MIMETypeOpus = "audio/webm;codecs=opus"
	MIMETypeWebM = "audio/webm"
)

// Constraints are the quality hints passed to the capture resource.
type Constraints struct {
	EchoCancellation bool   `json:"echoCancellation"`
	NoiseSuppression bool   `json:"noiseSuppression"`
	SampleRate       int    `json:"sampleRate"`
	MIMEType         string `json:"mimeType"`
}

// DefaultConstraints returns the fixed hints used for every recording.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		SampleRate:       48000,
	}
}

// Clip is a finalized recording assembled from captured chunks.
type Clip struct {
	Data      []byte
	MIMEType  string
	Extension string
	Elapsed   time.Duration
}

// Size reports the clip length in bytes.
func (c Clip) Size() int {
	return len(c.Data)
}
