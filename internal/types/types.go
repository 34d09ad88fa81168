package types

// Message is a single chat message in a room. Messages are immutable once
// created and live only as long as the room's sliding retention window.
type Message struct {
	Id       string `json:"id"`
	Text     string `json:"text"`
	SenderId string `json:"senderId"`
	// SentAt is milliseconds since the Unix epoch.
	SentAt int64 `json:"sentAt"`
}
