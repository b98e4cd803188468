package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind identifies one frame variant inside the event envelope.
// Every frame on the wire, in either direction, is a single-key JSON
// document of the form {"event":{"<kind>":{...}}}.
type EventKind = string

const (
	// Outbound frame kinds.
	KindSessionStart EventKind = "sessionStart"
	KindPromptStart  EventKind = "promptStart"
	KindContentStart EventKind = "contentStart"
	KindTextInput    EventKind = "textInput"
	KindAudioInput   EventKind = "audioInput"
	KindToolResult   EventKind = "toolResult"
	KindContentEnd   EventKind = "contentEnd"
	KindPromptEnd    EventKind = "promptEnd"
	KindSessionEnd   EventKind = "sessionEnd"

	// Inbound frame kinds.
	KindTextOutput      EventKind = "textOutput"
	KindAudioOutput     EventKind = "audioOutput"
	KindToolUse         EventKind = "toolUse"
	KindCompletionStart EventKind = "completionStart"
	KindCompletionEnd   EventKind = "completionEnd"
	KindUsageEvent      EventKind = "usageEvent"

	// Synthetic kinds dispatched by the engine, never seen on the wire.
	KindError          EventKind = "error"
	KindStreamComplete EventKind = "streamComplete"

	// KindAny is the wildcard handler key; it receives every dispatched event.
	KindAny EventKind = "any"
)

// Inbound error frame kinds sent by the model service.
const (
	KindModelStreamError    EventKind = "modelStreamErrorException"
	KindInternalServerError EventKind = "internalServerException"
	KindThrottlingError     EventKind = "throttlingException"
	KindValidationError     EventKind = "validationException"
)

// Content block types carried in contentStart/contentEnd frames.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
	ContentTypeTool  = "TOOL"
)

var ErrInvalidEnvelope = errors.New("invalid event envelope")

// IsErrorKind reports whether kind is a transport-level error frame.
func IsErrorKind(kind EventKind) bool {
	switch kind {
	case KindModelStreamError, KindInternalServerError, KindThrottlingError, KindValidationError:
		return true
	default:
		return false
	}
}

// Frame is one marshaled protocol envelope ready for transmission.
type Frame []byte

// InferenceConfig carries the sampling parameters negotiated at session start.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"topP"`
}

// DefaultInference returns the service defaults for speech sessions.
func DefaultInference() InferenceConfig {
	return InferenceConfig{MaxTokens: 1024, Temperature: 0.7, TopP: 0.9}
}

// ToolSpec describes one tool offered to the model in promptStart.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// InputSchema is a JSON Schema document, serialized as a string on the
	// wire per the service contract.
	InputSchema string `json:"inputSchema"`
}

// TextConfig configures a TEXT content block.
type TextConfig struct {
	MediaType string `json:"mediaType"`
}

func DefaultTextConfig() TextConfig {
	return TextConfig{MediaType: "text/plain"}
}

// AudioInputConfig configures the inbound (microphone) audio channel.
type AudioInputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

func DefaultAudioInputConfig() AudioInputConfig {
	return AudioInputConfig{
		MediaType:       "audio/lpcm",
		SampleRateHertz: 16000,
		SampleSizeBits:  16,
		ChannelCount:    1,
		AudioType:       "SPEECH",
		Encoding:        "base64",
	}
}

// AudioOutputConfig configures the model's speech output inside promptStart.
type AudioOutputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

func DefaultAudioOutputConfig(voiceID string) AudioOutputConfig {
	if voiceID == "" {
		voiceID = "matthew"
	}
	return AudioOutputConfig{
		MediaType:       "audio/lpcm",
		SampleRateHertz: 24000,
		SampleSizeBits:  16,
		ChannelCount:    1,
		VoiceID:         voiceID,
		Encoding:        "base64",
		AudioType:       "SPEECH",
	}
}

type toolChoice struct {
	Tool []toolEntry `json:"tools"`
}

type toolEntry struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

// envelope wraps a typed payload under {"event":{kind:payload}}.
// json.Marshal output carries no newlines, which the wire format requires.
func envelope(kind EventKind, payload any) Frame {
	b, err := json.Marshal(map[string]map[string]any{"event": {kind: payload}})
	if err != nil {
		// Only reachable with a payload type the builders never produce.
		panic(fmt.Sprintf("protocol: marshal %s frame: %v", kind, err))
	}
	return Frame(b)
}

// SessionStart builds the first frame of every session.
func SessionStart(inf InferenceConfig) Frame {
	return envelope(KindSessionStart, map[string]any{
		"inferenceConfiguration": inf,
	})
}

// PromptStart opens the prompt and declares output and tool configuration.
func PromptStart(promptName string, tools []ToolSpec, voiceID string) Frame {
	payload := map[string]any{
		"promptName": promptName,
		"textOutputConfiguration": map[string]any{
			"mediaType": "text/plain",
		},
		"audioOutputConfiguration": DefaultAudioOutputConfig(voiceID),
	}
	if len(tools) > 0 {
		entries := make([]toolEntry, 0, len(tools))
		for _, t := range tools {
			entries = append(entries, toolEntry{ToolSpec: t})
		}
		payload["toolUseOutputConfiguration"] = map[string]any{
			"mediaType": "application/json",
		}
		payload["toolConfiguration"] = toolChoice{Tool: entries}
	}
	return envelope(KindPromptStart, payload)
}

// ContentStartText opens a TEXT content block with the given role.
func ContentStartText(promptName, contentName, role string, cfg TextConfig) Frame {
	return envelope(KindContentStart, map[string]any{
		"promptName":            promptName,
		"contentName":           contentName,
		"type":                  ContentTypeText,
		"interactive":           true,
		"role":                  role,
		"textInputConfiguration": cfg,
	})
}

// TextInput carries one text payload for an open TEXT block.
func TextInput(promptName, contentName, content string) Frame {
	return envelope(KindTextInput, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     content,
	})
}

// ContentStartAudio opens the audio input channel.
func ContentStartAudio(promptName, contentName string, cfg AudioInputConfig) Frame {
	return envelope(KindContentStart, map[string]any{
		"promptName":              promptName,
		"contentName":             contentName,
		"type":                    ContentTypeAudio,
		"interactive":             true,
		"role":                    "USER",
		"audioInputConfiguration": cfg,
	})
}

// AudioInput carries one base64 PCM chunk on the audio channel.
func AudioInput(promptName, contentName, audioB64 string) Frame {
	return envelope(KindAudioInput, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     audioB64,
	})
}

// ContentStartTool opens the TOOL block answering a toolUse request.
func ContentStartTool(promptName, contentName, toolUseID string) Frame {
	return envelope(KindContentStart, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"type":        ContentTypeTool,
		"interactive": false,
		"role":        "TOOL",
		"toolResultInputConfiguration": map[string]any{
			"toolUseId": toolUseID,
			"type":      ContentTypeText,
			"textInputConfiguration": map[string]any{
				"mediaType": "text/plain",
			},
		},
	})
}

// ToolResult carries the serialized tool output for an open TOOL block.
func ToolResult(promptName, contentName, content string) Frame {
	return envelope(KindToolResult, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     content,
	})
}

// ContentEnd closes a content block.
func ContentEnd(promptName, contentName string) Frame {
	return envelope(KindContentEnd, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
	})
}

// PromptEnd closes the prompt.
func PromptEnd(promptName string) Frame {
	return envelope(KindPromptEnd, map[string]any{
		"promptName": promptName,
	})
}

// SessionEnd is the final frame of a session.
func SessionEnd() Frame {
	return envelope(KindSessionEnd, map[string]any{})
}

// InboundEvent is one decoded frame from the model service.
type InboundEvent struct {
	Kind    EventKind
	Payload json.RawMessage
}

// DecodeFrame extracts the event kind and raw payload from one wire frame.
func DecodeFrame(raw []byte) (InboundEvent, error) {
	var env struct {
		Event map[string]json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(env.Event) != 1 {
		return InboundEvent{}, fmt.Errorf("%w: expected exactly one event key, got %d", ErrInvalidEnvelope, len(env.Event))
	}
	for kind, payload := range env.Event {
		return InboundEvent{Kind: kind, Payload: payload}, nil
	}
	return InboundEvent{}, ErrInvalidEnvelope
}

// ContentStartEvent announces a new inbound content block.
type ContentStartEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	ContentID   string `json:"contentId"`
	Type        string `json:"type"`
	Role        string `json:"role"`
}

// TextOutputEvent carries one assistant or user text segment.
type TextOutputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Role        string `json:"role"`
	Content     string `json:"content"`
}

// AudioOutputEvent carries one base64 chunk of synthesized speech.
type AudioOutputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ToolUseEvent asks the client to run a tool and return its result.
type ToolUseEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	ToolName    string `json:"toolName"`
	ToolUseID   string `json:"toolUseId"`
	Content     string `json:"content"`
}

// ContentEndEvent closes an inbound content block.
type ContentEndEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Type        string `json:"type"`
	StopReason  string `json:"stopReason"`
}

// UsageEvent reports token accounting for the session so far.
type UsageEvent struct {
	TotalInputTokens  int `json:"totalInputTokens"`
	TotalOutputTokens int `json:"totalOutputTokens"`
	TotalTokens       int `json:"totalTokens"`
}

// ErrorDetail is the payload shape shared by the error frame kinds.
type ErrorDetail struct {
	Message string `json:"message"`
}
