package chat

// CompletionRequest is the body of the chat completion endpoint.
type CompletionRequest struct {
	Message string `json:"message" validate:"required"`
}

// CompletionResponse is the success body of the chat completion endpoint.
type CompletionResponse struct {
	Response string `json:"response"`
}
