package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the frame types the relay cares about. Any type not
// listed here is passed through untouched.
type Kind string

const (
	// Client-originated kinds.
	KindSessionUpdate Kind = "session.update"

	// Upstream-originated kinds.
	KindSessionCreated      Kind = "session.created"
	KindSessionUpdated      Kind = "session.updated"
	KindConversationCreated Kind = "conversation.item.created"
	KindOutputItemAdded     Kind = "response.output_item.added"
	KindCallArgumentsDelta  Kind = "response.function_call_arguments.delta"
	KindCallArgumentsDone   Kind = "response.function_call_arguments.done"
	KindOutputItemDone      Kind = "response.output_item.done"
	KindResponseDone        Kind = "response.done"
	KindInputTranscription  Kind = "conversation.item.input_audio_transcription.completed"
	KindOutputTranscription Kind = "response.audio_transcript.done"
	KindError               Kind = "error"
)

// Frame is one unit of session traffic. Raw holds the wire payload and is
// never mutated after receipt; rewrites produce a new payload.
type Frame struct {
	Kind Kind
	Raw  []byte
}

// ParseFrame decodes the type discriminator of a JSON frame.
func ParseFrame(data []byte) (*Frame, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if envelope.Type == "" {
		return nil, errors.New("malformed frame: missing type")
	}
	return &Frame{Kind: Kind(envelope.Type), Raw: data}, nil
}

// conversationItem is the item payload inside output_item and
// conversation.item frames.
type conversationItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type outputItemFrame struct {
	Item conversationItem `json:"item"`
}

type callArgumentsDeltaFrame struct {
	ItemID string `json:"item_id"`
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`
}

type inputTranscriptionFrame struct {
	Transcript string `json:"transcript"`
}

type outputTranscriptionFrame struct {
	Transcript string `json:"transcript"`
}

// decodeOutputItem extracts the item from an output_item or
// conversation.item frame.
func decodeOutputItem(raw []byte) (*conversationItem, error) {
	var frame outputItemFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed item frame: %w", err)
	}
	return &frame.Item, nil
}

// newFunctionCallOutput builds the synthetic conversation.item.create frame
// that answers one tool call.
func newFunctionCallOutput(callID, output string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// newResponseCreate builds the frame that asks the model to resume
// generating after tool output has been injected.
func newResponseCreate() []byte {
	return []byte(`{"type":"response.create"}`)
}
