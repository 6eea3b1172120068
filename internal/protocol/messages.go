package protocol

import "time"

// AudioFrame represents PCM audio data streamed from voice front-ends.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Utterance is a raw command text entering the router, either typed or
// produced by the STT service.
type Utterance struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"` // text, speech
	Timestamp time.Time `json:"timestamp"`
}

// Reply carries router output back to the front-end; speech-sourced
// sessions additionally trigger a TTS request.
type Reply struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Speak     bool      `json:"speak"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSRequest asks the TTS service to synthesize a reply.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice"`
}

// AudioChunk is synthesized reply audio.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// DeviceStatus reports connectivity changes and shot acknowledgements for
// one serving machine.
type DeviceStatus struct {
	DeviceID  string    `json:"device_id"`
	Side      string    `json:"side"`
	Connected bool      `json:"connected"`
	ShotDone  bool      `json:"shot_done,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectUtterance         = "cmd.utterance"
	SubjectReply             = "cmd.reply"
	SubjectTTSRequest        = "tts.request"
	SubjectTTSAudio          = "tts.audio"
	SubjectDeviceStatus      = "device.status"
)
