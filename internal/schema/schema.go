// Package schema checks generated payloads against their structural contracts
// before any of their content is trusted.
package schema

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/tatianab/storyforge/internal/gameerr"
	"github.com/tatianab/storyforge/internal/models"
)

// Kind names the contract a backend reply must satisfy.
type Kind string

const (
	KindTurn      Kind = "turn"
	KindOpening   Kind = "opening"
	KindWorld     Kind = "world"
	KindCharacter Kind = "character"
	KindQuestions Kind = "questions"
	KindVisual    Kind = "visual"
	KindPlotNodes Kind = "plot_nodes"
)

const (
	MinQuestions = 8
	MaxQuestions = 10
	MinAnswers   = 4
	MaxPlotNodes = 5
)

// QuestionsPayload is the reply of questionnaire generation.
type QuestionsPayload struct {
	Questions []string `json:"questions"`
}

// VisualPayload is the reply of visual description generation.
type VisualPayload struct {
	VisualDescription string `json:"visualDescription"`
}

// PlotNodesPayload is the reply of starting node generation.
type PlotNodesPayload struct {
	Nodes []string `json:"nodes"`
}

func invalid(format string, args ...any) error {
	return gameerr.New(gameerr.CodeSchemaInvalid, format, args...)
}

// Clean strips surrounding whitespace and markdown code fences from a reply.
func Clean(raw string) string {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	return strings.TrimSpace(clean)
}

// Decode parses raw JSON into T and runs check on it. Every failure is a
// SCHEMA_INVALID error.
func Decode[T any](raw []byte, check func(T) error) (T, error) {
	var v T
	clean := Clean(string(raw))
	if clean == "" {
		return v, invalid("empty payload")
	}
	if err := json.Unmarshal([]byte(clean), &v); err != nil {
		return v, gameerr.Wrap(gameerr.CodeSchemaInvalid, err, "malformed JSON")
	}
	if check != nil {
		if err := check(v); err != nil {
			return v, err
		}
	}
	return v, nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func checkOptions(o models.Options) error {
	for _, c := range o.Choices() {
		if blank(c.Text) {
			return invalid("option %s is empty", c.ID)
		}
	}
	return nil
}

// Turn checks a turn payload, including that label and analysis are populated
// exactly when the status is terminal.
func Turn(p models.TurnPayload) error {
	if blank(p.Narration) {
		return invalid("narration is required")
	}
	if !p.Status.Valid() {
		return invalid("status %q is not one of CONTINUE, GAME_OVER, VICTORY", p.Status)
	}
	if err := checkOptions(p.Options); err != nil {
		return err
	}
	if p.Status.Terminal() {
		if blank(p.CharacterLabel) || blank(p.CharacterAnalysis) {
			return invalid("status %s requires characterLabel and characterAnalysis", p.Status)
		}
		return nil
	}
	if p.CharacterLabel != "" || p.CharacterAnalysis != "" {
		return invalid("characterLabel and characterAnalysis must be empty while status is CONTINUE")
	}
	return nil
}

// Opening checks an opening scene payload.
func Opening(p models.OpeningPayload) error {
	if blank(p.Scene) {
		return invalid("scene is required")
	}
	return checkOptions(p.Options)
}

// World checks a world validation payload. A world that does not exist carries
// no other fields.
func World(w models.WorldInfo) error {
	if !w.Exists {
		return nil
	}
	switch {
	case blank(w.Author):
		return invalid("author is required for an existing world")
	case blank(w.Abstract):
		return invalid("abstract is required for an existing world")
	case blank(w.OriginalLanguage):
		return invalid("originalLanguage is required for an existing world")
	}
	if !slices.Contains(models.WorldCategories, strings.TrimSpace(w.Category)) {
		return invalid("category %q is not a known category", w.Category)
	}
	return nil
}

// Character checks a character validation payload.
func Character(c models.CharacterInfo) error {
	if c.Exists && blank(c.Appearance) && blank(c.BasicInfo.CanonicalName) {
		return invalid("an existing character needs a canonical name or appearance")
	}
	return nil
}

// Questions checks a generated questionnaire: the mandatory four lead, the two
// closing questions trail, and the total stays within bounds.
func Questions(p QuestionsPayload) error {
	qs := p.Questions
	if len(qs) < MinQuestions || len(qs) > MaxQuestions {
		return invalid("questionnaire has %d questions, want %d to %d", len(qs), MinQuestions, MaxQuestions)
	}
	for i, want := range models.MandatoryQuestions {
		if strings.TrimSpace(qs[i]) != want {
			return invalid("question %d is %q, want %q", i+1, qs[i], want)
		}
	}
	tail := qs[len(qs)-len(models.ClosingQuestions):]
	for i, want := range models.ClosingQuestions {
		if strings.TrimSpace(tail[i]) != want {
			return invalid("closing question %d is %q, want %q", i+1, tail[i], want)
		}
	}
	for i, q := range qs {
		if blank(q) {
			return invalid("question %d is empty", i+1)
		}
	}
	return nil
}

// Answers checks a filled questionnaire: 4 to 10 entries with the mandatory four
// leading and answered.
func Answers(answers []models.QA) error {
	if len(answers) < MinAnswers || len(answers) > MaxQuestions {
		return invalid("questionnaire has %d entries, want %d to %d", len(answers), MinAnswers, MaxQuestions)
	}
	p := models.Profile{Mode: models.ModeOriginal, Answers: answers}
	if missing := p.MissingMandatory(); len(missing) > 0 {
		return gameerr.Rejected("mandatory questions unanswered: %s", strings.Join(missing, ", "))
	}
	return nil
}

// VisualDescription checks a visual description payload.
func VisualDescription(p VisualPayload) error {
	if blank(p.VisualDescription) {
		return invalid("visualDescription is required")
	}
	return nil
}

// PlotNodes checks the generated list of starting nodes.
func PlotNodes(p PlotNodesPayload) error {
	if len(p.Nodes) == 0 || len(p.Nodes) > MaxPlotNodes {
		return invalid("got %d plot nodes, want 1 to %d", len(p.Nodes), MaxPlotNodes)
	}
	for i, n := range p.Nodes {
		if blank(n) {
			return invalid("plot node %d is empty", i+1)
		}
	}
	return nil
}
