package lineproto

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var envelopePattern = regexp.MustCompile(`^\[(\d+):(\d+):(\d+)\]\s+\[([^/\]]+)/([^\]]+)\]:\s(.*)$`)

var (
	startedPattern     = regexp.MustCompile(`^Done \(([\d.]+)s?\)! For help, type "help"(?: or "\?")?`)
	joinedPattern      = regexp.MustCompile(`^(\S+) joined the game`)
	leftPattern        = regexp.MustCompile(`^(\S+) left the game`)
	lostPattern        = regexp.MustCompile(`^(\S+) lost connection`)
	chatPattern        = regexp.MustCompile(`^<([^>]+)> (.*)$`)
	actionPattern      = regexp.MustCompile(`^\* (\S+) (.*)$`)
	achievementPattern = regexp.MustCompile(`^(\S+) has (?:just earned the achievement|made the advancement|completed the challenge|reached the goal) \[([^\]]+)\]`)
	diedPattern        = regexp.MustCompile(`^(\S+) (.*)$`)
)

// Result is everything one line produces. Envelope is nil when the line
// has no structural envelope.
type Result struct {
	Envelope *Envelope
	Events   []Event
	Update   PlayerUpdate
}

type matcher func(players PlayerSet, env *Envelope) ([]Event, PlayerUpdate, bool)

// Order is priority: the first matcher that accepts the body wins.
var matchers = []matcher{
	matchStarted,
	matchJoined,
	matchLeft,
	matchLostConnection,
	matchChat,
	matchAction,
	matchAchievement,
	matchDied,
}

// Classify decodes one output line against a read-only view of the current
// players. It never mutates players; the returned Update says how the owner
// should change them. The trailing RawLine event is always present.
func Classify(players PlayerSet, line string) Result {
	line = strings.TrimRight(line, "\r\n")
	raw := Event{Kind: EventRawLine, Raw: line}

	env, ok := parseEnvelope(line)
	if !ok {
		return Result{
			Events: []Event{{Kind: EventUnrecognizedLine, Raw: line}, raw},
		}
	}

	for _, m := range matchers {
		if events, update, ok := m(players, env); ok {
			for i := range events {
				events[i].Envelope = env
				events[i].Raw = line
			}
			return Result{Envelope: env, Events: append(events, raw), Update: update}
		}
	}

	return Result{
		Envelope: env,
		Events:   []Event{{Kind: EventUnrecognizedBody, Envelope: env, Raw: line}, raw},
	}
}

func parseEnvelope(line string) (*Envelope, bool) {
	m := envelopePattern.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	sec, _ := strconv.Atoi(m[3])
	return &Envelope{
		Hours:   h,
		Minutes: min,
		Seconds: sec,
		Source:  m[4],
		Level:   m[5],
		Body:    m[6],
		Raw:     line,
	}, true
}

func matchStarted(_ PlayerSet, env *Envelope) ([]Event, PlayerUpdate, bool) {
	m := startedPattern.FindStringSubmatch(env.Body)
	if m == nil {
		return nil, PlayerUpdate{}, false
	}
	seconds, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, PlayerUpdate{}, false
	}
	return []Event{{Kind: EventStarted, Seconds: seconds}}, PlayerUpdate{Op: UpdateReset}, true
}

func matchJoined(_ PlayerSet, env *Envelope) ([]Event, PlayerUpdate, bool) {
	m := joinedPattern.FindStringSubmatch(env.Body)
	if m == nil {
		return nil, PlayerUpdate{}, false
	}
	return []Event{{Kind: EventPlayerJoined, Player: m[1]}}, PlayerUpdate{Op: UpdateAdd, Name: m[1]}, true
}

func matchLeft(_ PlayerSet, env *Envelope) ([]Event, PlayerUpdate, bool) {
	m := leftPattern.FindStringSubmatch(env.Body)
	if m == nil {
		return nil, PlayerUpdate{}, false
	}
	return []Event{{Kind: EventPlayerLeft, Player: m[1]}}, PlayerUpdate{Op: UpdateRemove, Name: m[1]}, true
}

func matchLostConnection(_ PlayerSet, env *Envelope) ([]Event, PlayerUpdate, bool) {
	m := lostPattern.FindStringSubmatch(env.Body)
	if m == nil {
		return nil, PlayerUpdate{}, false
	}
	return []Event{
		{Kind: EventLostConnection, Player: m[1]},
		{Kind: EventPlayerLeft, Player: m[1]},
	}, PlayerUpdate{Op: UpdateRemove, Name: m[1]}, true
}

func matchChat(_ PlayerSet, env *Envelope) ([]Event, PlayerUpdate, bool) {
	m := chatPattern.FindStringSubmatch(env.Body)
	if m == nil {
		return nil, PlayerUpdate{}, false
	}
	return []Event{{Kind: EventChat, Player: m[1], Text: m[2]}}, PlayerUpdate{}, true
}

func matchAction(_ PlayerSet, env *Envelope) ([]Event, PlayerUpdate, bool) {
	m := actionPattern.FindStringSubmatch(env.Body)
	if m == nil {
		return nil, PlayerUpdate{}, false
	}
	return []Event{{Kind: EventAction, Player: m[1], Text: m[2]}}, PlayerUpdate{}, true
}

func matchAchievement(_ PlayerSet, env *Envelope) ([]Event, PlayerUpdate, bool) {
	m := achievementPattern.FindStringSubmatch(env.Body)
	if m == nil {
		return nil, PlayerUpdate{}, false
	}
	return []Event{{Kind: EventAchievementEarned, Player: m[1], Achievement: m[2]}},
		PlayerUpdate{Op: UpdateAdd, Name: m[1]}, true
}

// matchDied is the permissive catch-all. It only accepts known players and
// refuses any body one of the membership matchers would claim.
func matchDied(players PlayerSet, env *Envelope) ([]Event, PlayerUpdate, bool) {
	m := diedPattern.FindStringSubmatch(env.Body)
	if m == nil || !players.Contains(m[1]) {
		return nil, PlayerUpdate{}, false
	}
	for _, p := range []*regexp.Regexp{joinedPattern, leftPattern, lostPattern, achievementPattern} {
		if p.MatchString(env.Body) {
			return nil, PlayerUpdate{}, false
		}
	}
	return []Event{{Kind: EventDied, Player: m[1], Text: m[2]}}, PlayerUpdate{}, true
}

// Decoder owns one process's PlayerSet and applies Classify results to it.
// A process's output must be fed through a single Decoder in order.
type Decoder struct {
	mutex   sync.Mutex
	players PlayerSet
}

func NewDecoder() *Decoder {
	return &Decoder{players: NewPlayerSet()}
}

func (d *Decoder) Decode(line string) Result {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	result := Classify(d.players, line)
	d.players.Apply(result.Update)
	return result
}

// Players returns a sorted snapshot of the currently joined names.
func (d *Decoder) Players() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.players.Names()
}
