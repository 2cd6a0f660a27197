package domain

// Participant represents user's participation meta for a voice channel.
// No transport or lifecycle logic here.
type Participant struct {
	UserID UserID     `json:"userId"`
	State  VoiceState `json:"state"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id UserID, state VoiceState) Participant {
	return Participant{UserID: id, State: state}
}
