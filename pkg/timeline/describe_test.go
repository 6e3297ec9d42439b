package timeline

import "testing"

func TestDescribe(t *testing.T) {
	bob := "@bob:example.org"
	alice := "@alice:example.org"

	tests := []struct {
		name string
		ev   Event
		kind TileKind
		want string
	}{
		{"text", Event{Sender: alice, Content: map[string]interface{}{"msgtype": "m.text", "body": "hi"}}, TileMessage, "hi"},
		{"emote", Event{Sender: alice, Content: map[string]interface{}{"msgtype": "m.emote", "body": "waves"}}, TileMessage, "* alice waves"},
		{"image", Event{Sender: alice, Content: map[string]interface{}{"msgtype": "m.image", "body": "cat.png"}}, TileMessage, "[image: cat.png]"},
		{"unknown body", Event{Sender: alice, Content: map[string]interface{}{"msgtype": "m.location"}}, TileMessage, "[unsupported message]"},
		{"join", Event{Sender: alice, StateKey: &alice, Content: map[string]interface{}{"membership": "join"}}, TileMember, "alice joined the room"},
		{"invite", Event{Sender: alice, StateKey: &bob, Content: map[string]interface{}{"membership": "invite"}}, TileMember, "alice invited bob"},
		{"kick", Event{Sender: alice, StateKey: &bob, Content: map[string]interface{}{"membership": "leave"}}, TileMember, "alice removed bob"},
		{"hangup", Event{Sender: bob, Type: "m.call.hangup"}, TileCallHangup, "bob ended the call"},
		{"topic", Event{Sender: bob, Type: "m.room.topic", Content: map[string]interface{}{"topic": "news"}}, TileEventAsText, `bob changed the topic to "news"`},
		{"unknown tile", Event{Sender: bob, Type: "m.reaction"}, TileUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(tt.ev, tt.kind); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"@alice:example.org": "alice",
		"@bob":               "bob",
		"plain":              "plain",
		"":                   "",
	}
	for in, want := range tests {
		if got := DisplayName(in); got != want {
			t.Errorf("DisplayName(%q) = %q, want %q", in, got, want)
		}
	}
}
