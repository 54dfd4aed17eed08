package relay

import (
	"encoding/json"
	"slices"
)

// RoomStatus is the local user's membership in a room.
type RoomStatus string

const (
	RoomJoined  RoomStatus = "joined"
	RoomInvited RoomStatus = "invited"
	RoomLeft    RoomStatus = "left"
	RoomUnknown RoomStatus = "unknown"
)

// Room is the client's view of one relay room.
type Room struct {
	ID      string
	Status  RoomStatus
	Members []string
}

func (r Room) HasMember(user string) bool {
	return slices.Contains(r.Members, user)
}

// EventKind identifies a decomposed sync event.
type EventKind int

const (
	EventCreate EventKind = iota
	EventInvite
	EventJoin
	EventText
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventInvite:
		return "invite"
	case EventJoin:
		return "join"
	case EventText:
		return "textMessage"
	}
	return "unknown"
}

// Event is one room event of interest to transports.
type Event struct {
	Kind   EventKind
	ID     string
	RoomID string
	// Sender is the relay user that caused the event. For joins it is the
	// user who joined.
	Sender string
	// Body is the text of an EventText.
	Body string
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join   map[string]joinedRoom  `json:"join"`
		Invite map[string]invitedRoom `json:"invite"`
		Leave  map[string]joinedRoom  `json:"leave"`
	} `json:"rooms"`
}

type joinedRoom struct {
	State    eventList `json:"state"`
	Timeline eventList `json:"timeline"`
}

type invitedRoom struct {
	InviteState eventList `json:"invite_state"`
}

type eventList struct {
	Events []rawEvent `json:"events"`
}

type rawEvent struct {
	Type     string          `json:"type"`
	EventID  string          `json:"event_id"`
	Sender   string          `json:"sender"`
	StateKey *string         `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

type memberContent struct {
	Membership string `json:"membership"`
}

type messageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// apply folds one sync batch into rooms and returns the events it
// contained, in room then timeline order.
func (s *syncResponse) apply(rooms map[string]*Room) []Event {
	var events []Event

	for _, id := range sortedKeys(s.Rooms.Join) {
		jr := s.Rooms.Join[id]
		room := roomFor(rooms, id)
		room.Status = RoomJoined
		for _, ev := range slices.Concat(jr.State.Events, jr.Timeline.Events) {
			switch ev.Type {
			case "m.room.create":
				events = append(events, Event{Kind: EventCreate, ID: ev.EventID, RoomID: id, Sender: ev.Sender})
			case "m.room.member":
				var mc memberContent
				if json.Unmarshal(ev.Content, &mc) != nil || ev.StateKey == nil {
					continue
				}
				member := *ev.StateKey
				switch mc.Membership {
				case "join":
					addMember(room, member)
					events = append(events, Event{Kind: EventJoin, ID: ev.EventID, RoomID: id, Sender: member})
				case "invite":
					addMember(room, member)
				case "leave", "ban":
					room.Members = slices.DeleteFunc(room.Members, func(m string) bool { return m == member })
				}
			case "m.room.message":
				var mc messageContent
				if json.Unmarshal(ev.Content, &mc) != nil || mc.MsgType != "m.text" {
					continue
				}
				events = append(events, Event{Kind: EventText, ID: ev.EventID, RoomID: id, Sender: ev.Sender, Body: mc.Body})
			}
		}
	}

	for _, id := range sortedKeys(s.Rooms.Invite) {
		ir := s.Rooms.Invite[id]
		room := roomFor(rooms, id)
		room.Status = RoomInvited
		var inviter string
		for _, ev := range ir.InviteState.Events {
			if ev.Type != "m.room.member" {
				continue
			}
			addMember(room, ev.Sender)
			if inviter == "" {
				inviter = ev.Sender
			}
		}
		events = append(events, Event{Kind: EventInvite, ID: "invite:" + id, RoomID: id, Sender: inviter})
	}

	for _, id := range sortedKeys(s.Rooms.Leave) {
		roomFor(rooms, id).Status = RoomLeft
	}

	return events
}

func roomFor(rooms map[string]*Room, id string) *Room {
	r, ok := rooms[id]
	if !ok {
		r = &Room{ID: id, Status: RoomUnknown}
		rooms[id] = r
	}
	return r
}

func addMember(r *Room, user string) {
	if user != "" && !slices.Contains(r.Members, user) {
		r.Members = append(r.Members, user)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
