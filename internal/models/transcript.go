package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Role tags the author of a transcript entry.
type Role string

const (
	RoleNarrator Role = "narrator"
	RolePlayer   Role = "player"
)

// PlayerActionPrefix precedes the action text of every player entry.
const PlayerActionPrefix = "chose: "

// Entry is one half of a turn.
type Entry struct {
	Role Role   `yaml:"role"`
	Text string `yaml:"text"`
}

// NarratorEntry serializes a turn as the narrator's unit of record.
func NarratorEntry(t Turn) Entry {
	data, err := json.Marshal(t.Payload())
	if err != nil {
		// TurnPayload only holds strings.
		panic(fmt.Sprintf("marshal turn payload: %v", err))
	}
	return Entry{Role: RoleNarrator, Text: string(data)}
}

// PlayerEntry records the action a player took.
func PlayerEntry(action string) Entry {
	return Entry{Role: RolePlayer, Text: PlayerActionPrefix + action}
}

// Transcript is the ordered narrator/player history of a session.
type Transcript []Entry

// Validate checks that entries alternate starting with the narrator.
func (t Transcript) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("transcript is empty")
	}
	for i, e := range t {
		want := RoleNarrator
		if i%2 == 1 {
			want = RolePlayer
		}
		if e.Role != want {
			return fmt.Errorf("entry %d: expected role %s, got %s", i, want, e.Role)
		}
	}
	return nil
}

// AwaitingNarrator reports whether the last entry is a player action.
func (t Transcript) AwaitingNarrator() bool {
	return len(t)%2 == 0
}

// Turns returns the number of narrator entries.
func (t Transcript) Turns() int {
	return (len(t) + 1) / 2
}

// Clone returns a copy that shares no backing array with t.
func (t Transcript) Clone() Transcript {
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// LastTurn decodes the most recent narrator entry.
func (t Transcript) LastTurn() (Turn, error) {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role != RoleNarrator {
			continue
		}
		var p TurnPayload
		if err := json.Unmarshal([]byte(t[i].Text), &p); err != nil {
			return Turn{}, fmt.Errorf("decode narrator entry %d: %w", i, err)
		}
		return p.Turn(), nil
	}
	return Turn{}, fmt.Errorf("transcript has no narrator entry")
}

// ReplayRounds rebuilds a transcript from persisted rounds. Rounds are ordered by
// number; every round but the last contributes its narrator entry followed by the
// player's recorded choice. The last round is the current turn; only it may be
// terminal.
func ReplayRounds(rounds []RoundRecord) (Transcript, Turn, error) {
	if len(rounds) == 0 {
		return nil, Turn{}, fmt.Errorf("no rounds to replay")
	}
	ordered := make([]RoundRecord, len(rounds))
	copy(ordered, rounds)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	transcript := make(Transcript, 0, len(ordered)*2-1)
	var current Turn
	for i, r := range ordered {
		turn := Turn{
			Narrative:         r.Narrative,
			Choices:           OptionsFromChoices(r.Choices).Choices(),
			Status:            r.Status,
			CharacterLabel:    r.CharacterLabel,
			CharacterAnalysis: r.CharacterAnalysis,
		}
		if turn.Status == "" {
			turn.Status = StatusContinue
		}
		if !turn.Status.Valid() {
			return nil, Turn{}, fmt.Errorf("round %d has unknown status %q", r.Number, r.Status)
		}
		transcript = append(transcript, NarratorEntry(turn))
		if i == len(ordered)-1 {
			current = turn
			break
		}
		if turn.Status.Terminal() {
			return nil, Turn{}, fmt.Errorf("round %d ended the game but round %d follows it", r.Number, ordered[i+1].Number)
		}
		if r.UserChoice == nil {
			return nil, Turn{}, fmt.Errorf("round %d has no recorded choice", r.Number)
		}
		transcript = append(transcript, PlayerEntry(*r.UserChoice))
	}
	return transcript, current, nil
}

// Preamble is the player framing that opens every conversation with the narrator.
// It is derived from the session header so a resumed session frames identically.
func Preamble(world, character, startingNode string) string {
	return fmt.Sprintf("Begin the story. The setting is %q and I am %s. We start from this moment: %s", world, character, startingNode)
}
