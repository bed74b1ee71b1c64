package session

// Wire protocol for the realtime call websocket. Client text frames
// are a single tagged JSON object, and a binary frame is an implicit
// audio_chunk; server messages are free-form objects with a "type"
// discriminator so the client can switch on them cheaply.

// Client -> server message types.
const (
	MsgRegisterPatient = "register_patient"
	MsgStartCall       = "start_call"
	MsgAudioChunk      = "audio_chunk"
	MsgRejectCall      = "reject_call"
	MsgEndCall         = "end_call"
)

// Server -> client message types.
const (
	MsgConnected          = "connected"
	MsgPatientRegistered  = "patient_registered"
	MsgIncomingCall       = "incoming_call"
	MsgIncomingCallMissed = "incoming_call_missed"
	MsgPartialTranscript  = "partial_transcript"
	MsgUserSpeech         = "user_speech"
	MsgAIAudio            = "ai_audio"
	MsgAIResponse         = "ai_response"
	MsgAudioWarning       = "audio_warning"
	MsgCallEnded          = "call_ended"
	MsgError              = "error"
)

type ClientMessage struct {
	Type      string `json:"type"`
	PatientID string `json:"patientId,omitempty"`
	// Audio is a base64-encoded WAV chunk for audio_chunk messages.
	Audio  string `json:"audio,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ServerMessage is the loosely-typed outbound envelope. Every message
// carries a "type" key.
type ServerMessage map[string]any

func errorMsg(text string) ServerMessage {
	return ServerMessage{"type": MsgError, "message": text}
}
