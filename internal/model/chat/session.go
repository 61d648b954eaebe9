package chat

// ErrorInfo is the diagnostic "last error" marker shown next to the transcript.
type ErrorInfo struct {
	Category string `json:"category"`
	Detail   string `json:"detail,omitempty"`
}

// Status captures the UI-visible flags of one widget instance.
type Status struct {
	SessionID             string     `json:"sessionId"`
	Open                  bool       `json:"open"`
	Loading               bool       `json:"loading"`
	Recording             bool       `json:"recording"`
	CaptureState          string     `json:"captureState"`
	ElapsedSeconds        int        `json:"elapsedSeconds"`
	ChatInFlight          bool       `json:"chatInFlight"`
	TranscriptionInFlight bool       `json:"transcriptionInFlight"`
	LastError             *ErrorInfo `json:"lastError,omitempty"`
}
