package speech

// TranscriptionResponse is the success body of the transcription endpoint.
type TranscriptionResponse struct {
	Text string `json:"text"`
}
