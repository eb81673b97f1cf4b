package config

const (
	// MaxConversationTitleLength is the maximum length for conversation
	// titles. Limited to 255 to fit in PostgreSQL VARCHAR(255) and
	// provide reasonable UX (titles should be short and descriptive).
	MaxConversationTitleLength = 255

	// MaxVoiceSessionTitleLength is the maximum length for voice session
	// titles. Same as conversation titles for consistency.
	MaxVoiceSessionTitleLength = 255

	// MaxPromptLength is the maximum length for a user prompt. Long
	// enough for a detailed object description, short enough to keep
	// repair prompts bounded.
	MaxPromptLength = 8000

	// MaxActivityFeedLimit caps how many history items one request may
	// ask for.
	MaxActivityFeedLimit = 200
)
