package domain

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is a single message in a conversation, tagged with its speaker.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// GenerationConfig bounds what the model may produce for one reply.
type GenerationConfig struct {
	MaxOutputTokens int32
}
