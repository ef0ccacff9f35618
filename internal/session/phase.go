package session

// Phase is the top-level state of a voice session
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRecording
	PhaseTranscribing
	PhaseWaiting
	PhasePlaying
)

// String returns the label shown to the user
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Ready"
	case PhaseRecording:
		return "Recording"
	case PhaseTranscribing:
		return "Transcribing"
	case PhaseWaiting:
		return "Waiting for response"
	case PhasePlaying:
		return "Playing"
	default:
		return "Unknown"
	}
}

// metricLabel is the stable lower-case name used in metrics
func (p Phase) metricLabel() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRecording:
		return "recording"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseWaiting:
		return "waiting"
	case PhasePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation
type Message struct {
	Role    Role
	Content string
}

// Level is the learner proficiency sent with every chat request
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// DefaultLevel is used when no level was chosen
const DefaultLevel = LevelIntermediate

// ParseLevel maps a string to a Level, falling back to DefaultLevel
func ParseLevel(s string) (Level, bool) {
	switch Level(s) {
	case LevelBeginner, LevelIntermediate, LevelAdvanced:
		return Level(s), true
	default:
		return DefaultLevel, false
	}
}
