package chat

import "time"

// Sender identifies who authored a transcript line.
type Sender string

const (
	SenderBot  Sender = "bot"
	SenderUser Sender = "user"
)

// Message is one line of the widget transcript. ID is the sequence index.
type Message struct {
	ID        int       `json:"id"`
	Sender    Sender    `json:"from"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}
