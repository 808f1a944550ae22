package models

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Status is the state of a playthrough after a turn.
type Status string

const (
	StatusContinue Status = "CONTINUE"
	StatusGameOver Status = "GAME_OVER"
	StatusVictory  Status = "VICTORY"
)

// Terminal reports whether the status ends the session.
func (s Status) Terminal() bool {
	return s == StatusGameOver || s == StatusVictory
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusContinue || s.Terminal()
}

// CharacterMode tells whether the player controls a canonical or an original character.
type CharacterMode string

const (
	ModeCanon    CharacterMode = "CANON"
	ModeOriginal CharacterMode = "ORIGINAL"
)

// Player is the identity supplied by the identity provider.
type Player struct {
	ID        string `yaml:"id"`
	Anonymous bool   `yaml:"anonymous"`
}

// ChoiceIDs are the labels of the three options offered each turn.
var ChoiceIDs = [3]string{"A", "B", "C"}

// Choice is one labeled option.
type Choice struct {
	ID   string `yaml:"id" json:"id"`
	Text string `yaml:"text" json:"text"`
}

// Options is the wire form of the three choices.
type Options struct {
	A string `yaml:"A" json:"A"`
	B string `yaml:"B" json:"B"`
	C string `yaml:"C" json:"C"`
}

// Choices converts the options into labeled choices in A, B, C order.
func (o Options) Choices() []Choice {
	return []Choice{
		{ID: "A", Text: o.A},
		{ID: "B", Text: o.B},
		{ID: "C", Text: o.C},
	}
}

// OptionsFromChoices is the inverse of Options.Choices. Unknown ids are ignored.
func OptionsFromChoices(choices []Choice) Options {
	var o Options
	for _, c := range choices {
		switch c.ID {
		case "A":
			o.A = c.Text
		case "B":
			o.B = c.Text
		case "C":
			o.C = c.Text
		}
	}
	return o
}

// Turn is the unit produced by the engine each round.
type Turn struct {
	Narrative         string   `yaml:"narrative"`
	Choices           []Choice `yaml:"choices"`
	Status            Status   `yaml:"status"`
	CharacterLabel    string   `yaml:"character_label,omitempty"`
	CharacterAnalysis string   `yaml:"character_analysis,omitempty"`
}

// Choice returns the option with the given label.
func (t Turn) Choice(id string) (Choice, bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	for _, c := range t.Choices {
		if c.ID == id {
			return c, true
		}
	}
	return Choice{}, false
}

// Payload returns the wire shape of the turn.
func (t Turn) Payload() TurnPayload {
	return TurnPayload{
		Narration:         t.Narrative,
		Options:           OptionsFromChoices(t.Choices),
		Status:            t.Status,
		CharacterLabel:    t.CharacterLabel,
		CharacterAnalysis: t.CharacterAnalysis,
	}
}

// TurnPayload is the structured reply the backend produces for a turn.
type TurnPayload struct {
	Narration         string  `json:"narration"`
	Options           Options `json:"options"`
	Status            Status  `json:"status"`
	CharacterLabel    string  `json:"characterLabel"`
	CharacterAnalysis string  `json:"characterAnalysis"`
}

// Turn maps the payload into the domain representation.
func (p TurnPayload) Turn() Turn {
	return Turn{
		Narrative:         p.Narration,
		Choices:           p.Options.Choices(),
		Status:            p.Status,
		CharacterLabel:    p.CharacterLabel,
		CharacterAnalysis: p.CharacterAnalysis,
	}
}

// OpeningPayload is the structured reply for the opening scene.
type OpeningPayload struct {
	Scene   string  `json:"scene"`
	Options Options `json:"options"`
}

// Turn converts the opening into the first turn of a session.
func (p OpeningPayload) Turn() Turn {
	return Turn{
		Narrative: p.Scene,
		Choices:   p.Options.Choices(),
		Status:    StatusContinue,
	}
}

// WorldCategories is the closed set of categories a world is classified into.
var WorldCategories = []string{
	"Fairy Tale",
	"Western Fantasy",
	"Eastern Fantasy",
	"Modern Urban",
	"Mystery & Horror",
	"War",
	"Western",
	"Science Fiction",
}

// WorldInfo is the lore summary returned by world validation.
type WorldInfo struct {
	Exists           bool   `json:"isExist" yaml:"exists"`
	Author           string `json:"author,omitempty" yaml:"author"`
	OriginalLanguage string `json:"originalLanguage,omitempty" yaml:"original_language"`
	Abstract         string `json:"abstract,omitempty" yaml:"abstract"`
	Category         string `json:"category,omitempty" yaml:"category"`
}

// CharacterInfo is the lore extracted for a canonical character.
type CharacterInfo struct {
	Exists    bool `json:"isExist"`
	BasicInfo struct {
		CanonicalName string   `json:"canonicalName"`
		Aliases       []string `json:"aliases"`
	} `json:"basicInfo"`
	Features struct {
		Occupations       []string `json:"occupations"`
		Affiliations      []string `json:"affiliations"`
		CoreRelationships []string `json:"coreRelationships"`
	} `json:"features"`
	Appearance string `json:"appearance"`
}

// ArtStyle is an entry in the art style catalog.
type ArtStyle struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Prompt      string `yaml:"prompt"`
	Description string `yaml:"description"`
}

// Image is a generated picture.
type Image struct {
	MIMEType string
	Data     []byte
}

// DataURL renders the image as a data URL.
func (i *Image) DataURL() string {
	if i == nil {
		return ""
	}
	return fmt.Sprintf("data:%s;base64,%s", i.MIMEType, base64.StdEncoding.EncodeToString(i.Data))
}

// Extension guesses a file extension from the MIME type.
func (i *Image) Extension() string {
	switch i.MIMEType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// Save writes the image under dir and returns the written path.
func (i *Image) Save(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+i.Extension())
	if err := os.WriteFile(path, i.Data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// RecordStatus is the lifecycle status of a persisted game.
type RecordStatus int

const (
	RecordInProgress RecordStatus = iota
	RecordCleared
	RecordFailed
	RecordAbandoned
)

func (s RecordStatus) String() string {
	switch s {
	case RecordInProgress:
		return "IN_PROGRESS"
	case RecordCleared:
		return "CLEARED"
	case RecordFailed:
		return "FAILED"
	case RecordAbandoned:
		return "ABANDONED"
	default:
		return fmt.Sprintf("RecordStatus(%d)", int(s))
	}
}

// RecordStatusFor maps a terminal turn status to the record status.
func RecordStatusFor(s Status) RecordStatus {
	switch s {
	case StatusVictory:
		return RecordCleared
	case StatusGameOver:
		return RecordFailed
	default:
		return RecordInProgress
	}
}

// GameRecord is the persisted header of one playthrough.
type GameRecord struct {
	ID                int64         `yaml:"id"`
	UserID            string        `yaml:"user_id"`
	World             string        `yaml:"world"`
	Character         string        `yaml:"character"`
	Mode              CharacterMode `yaml:"mode"`
	Profile           string        `yaml:"profile"`
	VisualDescription string        `yaml:"visual_description"`
	ArtStyleID        string        `yaml:"art_style_id"`
	StartingNode      string        `yaml:"starting_node"`
	Status            RecordStatus  `yaml:"status"`
	Summary           string        `yaml:"summary,omitempty"`
	CreatedAt         time.Time     `yaml:"created_at"`
	UpdatedAt         time.Time     `yaml:"updated_at"`
}

// RoundRecord is the persisted form of one turn.
type RoundRecord struct {
	ID           int64    `yaml:"id"`
	GameRecordID int64    `yaml:"game_record_id"`
	Number       int      `yaml:"number"`
	Narrative    string   `yaml:"narrative"`
	Choices      []Choice `yaml:"choices"`
	Status       Status   `yaml:"status"`

	// Set on a terminal round only.
	CharacterLabel    string    `yaml:"character_label,omitempty"`
	CharacterAnalysis string    `yaml:"character_analysis,omitempty"`
	UserChoice        *string   `yaml:"user_choice"`
	CreatedAt         time.Time `yaml:"created_at"`
}
