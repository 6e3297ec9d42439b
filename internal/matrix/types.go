package matrix

// SyncResponse is the subset of a /sync response the client consumes.
type SyncResponse struct {
	NextBatch string            `json:"next_batch"`
	Rooms     SyncResponseRooms `json:"rooms"`
}

type SyncResponseRooms struct {
	Join   map[string]SyncRoom        `json:"join"`
	Invite map[string]SyncInvitedRoom `json:"invite"`
	Leave  map[string]SyncRoom        `json:"leave"`
}

type SyncRoom struct {
	State     SyncEvents   `json:"state"`
	Timeline  SyncTimeline `json:"timeline"`
	Ephemeral SyncEvents   `json:"ephemeral"`
}

type SyncInvitedRoom struct {
	InviteState SyncEvents `json:"invite_state"`
}

type SyncEvents struct {
	Events []Event `json:"events"`
}

// SyncTimeline is a room's timeline slice. PrevBatch is the token for
// paginating backwards from the oldest event in Events.
type SyncTimeline struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited"`
	PrevBatch string  `json:"prev_batch"`
}

// Event is a client-format Matrix event.
type Event struct {
	Type           string                 `json:"type"`
	Sender         string                 `json:"sender,omitempty"`
	EventID        string                 `json:"event_id,omitempty"`
	OriginServerTS int64                  `json:"origin_server_ts,omitempty"`
	StateKey       *string                `json:"state_key,omitempty"`
	Content        map[string]interface{} `json:"content"`
	Unsigned       *Unsigned              `json:"unsigned,omitempty"`
}

type Unsigned struct {
	TransactionID string `json:"transaction_id,omitempty"`
}

// TransactionID returns the transaction ID the sender attached, if this
// event is the remote echo of our own send.
func (e Event) TransactionID() string {
	if e.Unsigned == nil {
		return ""
	}
	return e.Unsigned.TransactionID
}

// MessagesResponse is the response of GET /rooms/{roomId}/messages.
// End is empty once the start of the room has been reached.
type MessagesResponse struct {
	Start string  `json:"start"`
	End   string  `json:"end"`
	Chunk []Event `json:"chunk"`
	State []Event `json:"state"`
}

// Room presets understood by /createRoom.
const (
	PresetPrivateChat        = "private_chat"
	PresetPublicChat         = "public_chat"
	PresetTrustedPrivateChat = "trusted_private_chat"
)

// CreateRoomRequest is the body of POST /createRoom.
type CreateRoomRequest struct {
	Preset        string       `json:"preset,omitempty"`
	Visibility    string       `json:"visibility,omitempty"`
	Name          string       `json:"name,omitempty"`
	Topic         string       `json:"topic,omitempty"`
	RoomAliasName string       `json:"room_alias_name,omitempty"`
	Invite        []string     `json:"invite,omitempty"`
	InitialState  []StateEvent `json:"initial_state,omitempty"`
}

// StateEvent is an entry of CreateRoomRequest.InitialState.
type StateEvent struct {
	Type     string                 `json:"type"`
	StateKey string                 `json:"state_key"`
	Content  map[string]interface{} `json:"content"`
}
