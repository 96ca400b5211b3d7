package domain

// FrameType is the "type" discriminator of a JSON frame.
type FrameType string

const (
	FrameSessionCreated              FrameType = "session.created"
	FrameSessionUpdate               FrameType = "session.update"
	FrameSessionUpdated              FrameType = "session.updated"
	FrameInputAudioAppend            FrameType = "input_audio_buffer.append"
	FrameAudioDelta                  FrameType = "response.audio.delta"
	FrameAudioDone                   FrameType = "response.audio.done"
	FrameAudioTranscriptDelta        FrameType = "response.audio_transcript.delta"
	FrameAudioTranscriptDone         FrameType = "response.audio_transcript.done"
	FrameInputTranscriptionCompleted FrameType = "conversation.item.input_audio_transcription.completed"
	FrameError                       FrameType = "error"

	// Relay-originated frames.
	FrameRoomJoined   FrameType = "room.joined"
	FrameRoomMessage  FrameType = "room.message"
	FrameRoomPresence FrameType = "room.presence"
	FrameRoomSpeaking FrameType = "room.speaking"
)

// IsAudio reports whether the frame carries captured client audio.
func (t FrameType) IsAudio() bool {
	return t == FrameInputAudioAppend
}
