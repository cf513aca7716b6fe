package relay

import "testing"

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Kind
		wantErr bool
	}{
		{
			name: "session update",
			data: `{"type":"session.update","session":{"voice":"echo"}}`,
			want: KindSessionUpdate,
		},
		{
			name: "output item added",
			data: `{"type":"response.output_item.added","item":{"type":"function_call"}}`,
			want: KindOutputItemAdded,
		},
		{
			name: "unknown type still parses",
			data: `{"type":"response.audio.delta","delta":"UklGRg=="}`,
			want: Kind("response.audio.delta"),
		},
		{
			name:    "not json",
			data:    `{{{`,
			wantErr: true,
		},
		{
			name:    "missing type",
			data:    `{"session":{}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseFrame([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if frame.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", frame.Kind, tt.want)
			}
		})
	}
}

func TestDecodeOutputItem(t *testing.T) {
	raw := []byte(`{
		"type": "response.output_item.done",
		"item": {
			"id": "item-1",
			"type": "function_call",
			"call_id": "call-1",
			"name": "search",
			"arguments": "{\"query\":\"refund policy\"}"
		}
	}`)

	item, err := decodeOutputItem(raw)
	if err != nil {
		t.Fatalf("decodeOutputItem() error = %v", err)
	}
	if item.ID != "item-1" || item.CallID != "call-1" || item.Name != "search" {
		t.Errorf("unexpected item: %+v", item)
	}
	if item.Arguments != `{"query":"refund policy"}` {
		t.Errorf("Arguments = %q", item.Arguments)
	}
}

func TestNewFunctionCallOutput(t *testing.T) {
	payload, err := newFunctionCallOutput("call-1", "some context")
	if err != nil {
		t.Fatalf("newFunctionCallOutput() error = %v", err)
	}

	frame, err := ParseFrame(payload)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	if frame.Kind != Kind("conversation.item.create") {
		t.Errorf("Kind = %q", frame.Kind)
	}

	item, err := decodeOutputItem(payload)
	if err != nil {
		t.Fatalf("decodeOutputItem() error = %v", err)
	}
	if item.Type != "function_call_output" || item.CallID != "call-1" {
		t.Errorf("unexpected item: %+v", item)
	}
}
