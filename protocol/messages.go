// Package protocol is the JSON wire format spoken with the web client over
// the chat websockets. Every message is an Envelope {type, data}.
package protocol

import (
	"encoding/json"

	"voicetutor/core"
)

type MessageType string

const (
	// Server -> client
	MsgTranscription MessageType = "transcription"
	MsgAnswer        MessageType = "answer"
	MsgAudio         MessageType = "audio"
	MsgMistakes      MessageType = "mistakes"
	MsgResult        MessageType = "result"

	// Client -> server
	MsgInput  MessageType = "input"
	MsgFinish MessageType = "finish"
)

// Envelope is the outer JSON wrapper for all websocket messages.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound message before encoding.
type Message struct {
	Type MessageType
	Data interface{}
}

// TranscriptionData carries one finalized segment of the user's speech.
type TranscriptionData struct {
	ID    string      `json:"id"`
	Chunk []core.Word `json:"chunk"`
}

// AnswerData carries one fragment of the assistant's reply.
type AnswerData struct {
	ID    string `json:"id"`
	Chunk string `json:"chunk"`
}

// MistakesData reports mistakes found in the utterance with the given id.
type MistakesData struct {
	ID       string         `json:"id"`
	Mistakes []core.Mistake `json:"mistakes"`
}

// InputData is one typed user message of the text chat.
type InputData struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

func Transcription(id string, words []core.Word) Message {
	return Message{Type: MsgTranscription, Data: TranscriptionData{ID: id, Chunk: words}}
}

func Answer(id, chunk string) Message {
	return Message{Type: MsgAnswer, Data: AnswerData{ID: id, Chunk: chunk}}
}

// Audio wraps base64 encoded audio.
func Audio(b64 string) Message {
	return Message{Type: MsgAudio, Data: b64}
}

func Mistakes(id string, mistakes []core.Mistake) Message {
	return Message{Type: MsgMistakes, Data: MistakesData{ID: id, Mistakes: mistakes}}
}

func Result() Message {
	return Message{Type: MsgResult}
}
