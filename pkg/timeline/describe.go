package timeline

import "fmt"

// Body kinds of message tiles, selected by msgtype.
const (
	BodyText    = "m.text"
	BodyNotice  = "m.notice"
	BodyEmote   = "m.emote"
	BodyImage   = "m.image"
	BodyFile    = "m.file"
	BodyUnknown = "unknown"
)

// BodyKind returns the body renderer for a message event.
func BodyKind(ev Event) string {
	switch mt := ev.MsgType(); mt {
	case BodyText, BodyNotice, BodyEmote, BodyImage, BodyFile:
		return mt
	default:
		return BodyUnknown
	}
}

// Describe returns the plain-text line for an event drawn as kind. Message
// bodies are returned as-is; other tiles get a sentence naming the sender.
func Describe(ev Event, kind TileKind) string {
	sender := DisplayName(ev.Sender)
	switch kind {
	case TileMessage:
		switch BodyKind(ev) {
		case BodyEmote:
			return fmt.Sprintf("* %s %s", sender, ev.Body())
		case BodyImage:
			return fmt.Sprintf("[image: %s]", ev.Body())
		case BodyFile:
			return fmt.Sprintf("[file: %s]", ev.Body())
		case BodyUnknown:
			if body := ev.Body(); body != "" {
				return body
			}
			return "[unsupported message]"
		default:
			return ev.Body()
		}
	case TileMember:
		return describeMember(ev, sender)
	case TileCallInvite:
		return sender + " placed a call"
	case TileCallAnswer:
		return sender + " answered the call"
	case TileCallHangup:
		return sender + " ended the call"
	case TileEventAsText:
		if ev.Type == "m.room.topic" {
			return fmt.Sprintf("%s changed the topic to %q", sender, ev.ContentString("topic"))
		}
		return fmt.Sprintf("%s sent %s", sender, ev.Type)
	default:
		return ""
	}
}

func describeMember(ev Event, sender string) string {
	target := sender
	if ev.StateKey != nil && *ev.StateKey != "" {
		target = DisplayName(*ev.StateKey)
	}
	if name := ev.ContentString("displayname"); name != "" && target == sender {
		target = name
	}
	switch ev.ContentString("membership") {
	case "join":
		return target + " joined the room"
	case "leave":
		if target != sender {
			return fmt.Sprintf("%s removed %s", sender, target)
		}
		return target + " left the room"
	case "invite":
		return fmt.Sprintf("%s invited %s", sender, target)
	case "ban":
		return fmt.Sprintf("%s banned %s", sender, target)
	case "knock":
		return target + " asked to join"
	default:
		return target + " changed their membership"
	}
}

// DisplayName returns the localpart of a Matrix user ID.
func DisplayName(userID string) string {
	if len(userID) < 2 || userID[0] != '@' {
		return userID
	}
	for i := 1; i < len(userID); i++ {
		if userID[i] == ':' {
			return userID[1:i]
		}
	}
	return userID[1:]
}
