package stt

// Server and client messages of the Deepgram live listen API.

type ListenV1Word struct {
	Word           string  `json:"word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
	PunctuatedWord string  `json:"punctuated_word,omitempty"`
}

type ListenV1Alternative struct {
	Transcript string         `json:"transcript"`
	Confidence float64        `json:"confidence"`
	Words      []ListenV1Word `json:"words"`
}

type ListenV1Results struct {
	Type         string  `json:"type"`
	ChannelIndex []int   `json:"channel_index"`
	Duration     float64 `json:"duration"`
	Start        float64 `json:"start"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize,omitempty"`
	Channel      struct {
		Alternatives []ListenV1Alternative `json:"alternatives"`
	} `json:"channel"`
	Metadata struct {
		RequestID string `json:"request_id"`
	} `json:"metadata"`
}

type ListenV1UtteranceEnd struct {
	Type        string  `json:"type"`
	Channel     []int   `json:"channel"`
	LastWordEnd float64 `json:"last_word_end"`
}

type ListenV1Metadata struct {
	Type      string  `json:"type"`
	RequestID string  `json:"request_id"`
	Duration  float64 `json:"duration"`
	Channels  int     `json:"channels"`
}

type ListenV1Error struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// ListenV1Control covers KeepAlive, CloseStream and Finalize.
type ListenV1Control struct {
	Type string `json:"type"`
}
