package lineproto

import "fmt"

type EventKind string

const (
	EventStarted           EventKind = "started"
	EventPlayerJoined      EventKind = "player_joined"
	EventPlayerLeft        EventKind = "player_left"
	EventLostConnection    EventKind = "lost_connection"
	EventChat              EventKind = "chat"
	EventAction            EventKind = "action"
	EventAchievementEarned EventKind = "achievement_earned"
	EventDied              EventKind = "died"
	EventUnrecognizedLine  EventKind = "unrecognized_line"
	EventUnrecognizedBody  EventKind = "unrecognized_body"
	EventRawLine           EventKind = "raw_line"
)

// Envelope is the structural prefix shared by every server log line:
// "[HH:MM:SS] [source/LEVEL]: body".
type Envelope struct {
	Hours   int
	Minutes int
	Seconds int
	Source  string
	Level   string
	Body    string
	Raw     string
}

func (e Envelope) Clock() string {
	return fmt.Sprintf("%02d:%02d:%02d", e.Hours, e.Minutes, e.Seconds)
}

// Event is one decoded observation. Which fields are set depends on Kind:
//
//	Started            Seconds
//	PlayerJoined       Player
//	PlayerLeft         Player
//	LostConnection     Player
//	Chat, Action       Player, Text
//	AchievementEarned  Player, Achievement
//	Died               Player, Text (the cause)
//	UnrecognizedBody   Envelope
//	UnrecognizedLine   Raw
//	RawLine            Raw
type Event struct {
	Kind        EventKind
	Player      string
	Text        string
	Achievement string
	Seconds     float64
	Envelope    *Envelope
	Raw         string
}

func (e Event) String() string {
	switch e.Kind {
	case EventStarted:
		return fmt.Sprintf("%s(%.3f)", e.Kind, e.Seconds)
	case EventPlayerJoined, EventPlayerLeft, EventLostConnection:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Player)
	case EventChat, EventAction, EventDied:
		return fmt.Sprintf("%s(%s, %q)", e.Kind, e.Player, e.Text)
	case EventAchievementEarned:
		return fmt.Sprintf("%s(%s, %q)", e.Kind, e.Player, e.Achievement)
	default:
		return fmt.Sprintf("%s(%q)", e.Kind, e.Raw)
	}
}
