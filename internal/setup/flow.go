// Package setup runs the pre-game phases: choosing a world, a character and the
// moment the story starts.
package setup

import (
	"context"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tatianab/storyforge/internal/artstyle"
	"github.com/tatianab/storyforge/internal/engine"
	"github.com/tatianab/storyforge/internal/gameerr"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/schema"
	"github.com/tatianab/storyforge/internal/session"
)

// Phase is a step of the setup flow.
type Phase string

const (
	PhaseSelectWorld        Phase = "SELECT_WORLD"
	PhaseWorldConfirmed     Phase = "WORLD_CONFIRMED"
	PhaseRoleSelection      Phase = "ROLE_SELECTION"
	PhaseCanonValidation    Phase = "CANON_VALIDATION"
	PhaseQuestionnaire      Phase = "OC_QUESTIONNAIRE"
	PhasePortrait           Phase = "OC_PORTRAIT"
	PhaseStartNodeSelection Phase = "START_NODE_SELECTION"
	PhasePlaying            Phase = "PLAYING"
)

// MaxRegenerations is how many times a portrait may be redrawn.
const MaxRegenerations = 2

// Lore is the generation the setup phases depend on.
type Lore interface {
	ValidateWorld(ctx context.Context, name string) (models.WorldInfo, error)
	ValidateCharacter(ctx context.Context, world, name string) (models.CharacterInfo, error)
	GenerateQuestions(ctx context.Context, world string) ([]string, error)
	DescribeCharacter(ctx context.Context, world, profile string) (string, error)
	GeneratePlotNodes(ctx context.Context, req engine.PlotRequest) ([]string, error)
	GeneratePortrait(ctx context.Context, world, visualDescription string, style models.ArtStyle) *models.Image
}

// Starter opens the session once setup is complete.
type Starter interface {
	Start(ctx context.Context, req session.StartRequest) (string, models.Turn, error)
}

// Regeneration asks for a new portrait in another style, with extra details, or both.
type Regeneration struct {
	StyleID     string
	Adjustments string
}

// State is everything setup has accumulated so far.
type State struct {
	Phase     Phase
	WorldName string
	// World is nil until a world has been confirmed.
	World         *models.WorldInfo
	ArtStyle      models.ArtStyle
	Profile       models.Profile
	Questions     []string
	Portrait      *models.Image
	Regenerations int

	StartNodes      []string
	Selected        int
	CustomStartNode string

	SessionID string
	Opening   models.Turn
}

func newState() State {
	return State{Phase: PhaseSelectWorld, Selected: -1}
}

func (s State) clone() State {
	out := s
	if s.World != nil {
		w := *s.World
		out.World = &w
	}
	out.Questions = slices.Clone(s.Questions)
	out.StartNodes = slices.Clone(s.StartNodes)
	out.Profile.Answers = slices.Clone(s.Profile.Answers)
	return out
}

// StartingNode is the node the story will begin at: custom text when given,
// else the selected candidate.
func (s State) StartingNode() string {
	if custom := strings.TrimSpace(s.CustomStartNode); custom != "" {
		return custom
	}
	if s.Selected >= 0 && s.Selected < len(s.StartNodes) {
		return s.StartNodes[s.Selected]
	}
	return ""
}

// Flow is one player's setup state machine. Every operation is atomic: on
// failure the state is exactly what it was before the call.
type Flow struct {
	mu     sync.Mutex
	lore   Lore
	styles *artstyle.Catalog
	player models.Player
	logger *zap.Logger
	state  State
}

// NewFlow starts a flow in SELECT_WORLD.
func NewFlow(player models.Player, lore Lore, styles *artstyle.Catalog, logger *zap.Logger) *Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{
		lore:   lore,
		styles: styles,
		player: player,
		logger: logger.With(zap.String("player", player.ID)),
		state:  newState(),
	}
}

// Snapshot returns a copy of the current state.
func (f *Flow) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone()
}

// apply runs op on a copy of the state while holding the lock and keeps the
// copy only if op succeeds.
func (f *Flow) apply(name string, allowed []Phase, op func(next *State) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(allowed, f.state.Phase) {
		return gameerr.Rejected("%s is not allowed during %s", name, f.state.Phase)
	}
	next := f.state.clone()
	if err := op(&next); err != nil {
		f.logger.Debug("Setup step failed", zap.String("step", name), zap.String("phase", string(f.state.Phase)), zap.Error(err))
		return err
	}
	if next.Phase != f.state.Phase {
		f.logger.Info("Setup advanced", zap.String("step", name), zap.String("from", string(f.state.Phase)), zap.String("to", string(next.Phase)))
	}
	f.state = next
	return nil
}

func required(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", gameerr.Rejected("%s is required", field)
	}
	return value, nil
}

// SelectWorld validates name against known works of fiction.
func (f *Flow) SelectWorld(ctx context.Context, name string) error {
	return f.apply("select world", []Phase{PhaseSelectWorld}, func(next *State) error {
		name, err := required("world name", name)
		if err != nil {
			return err
		}
		info, err := f.lore.ValidateWorld(ctx, name)
		if err != nil {
			return err
		}
		if !info.Exists {
			return gameerr.Rejected("%q did not resolve to a known work of fiction", name)
		}
		next.WorldName = name
		next.World = &info
		next.ArtStyle = f.styles.ForCategory(info.Category)
		next.Phase = PhaseWorldConfirmed
		return nil
	})
}

// ConfirmWorld accepts the validated world.
func (f *Flow) ConfirmWorld() error {
	return f.apply("confirm world", []Phase{PhaseWorldConfirmed}, func(next *State) error {
		next.Phase = PhaseRoleSelection
		return nil
	})
}

// ChangeWorld discards the chosen world and starts over.
func (f *Flow) ChangeWorld() error {
	return f.apply("change world", []Phase{PhaseWorldConfirmed, PhaseRoleSelection}, func(next *State) error {
		*next = newState()
		return nil
	})
}

// ChooseCanon picks an existing character of the world.
func (f *Flow) ChooseCanon(ctx context.Context, name string) error {
	return f.apply("choose canon character", []Phase{PhaseRoleSelection}, func(next *State) error {
		name, err := required("character name", name)
		if err != nil {
			return err
		}
		info, err := f.lore.ValidateCharacter(ctx, next.WorldName, name)
		if err != nil {
			return err
		}
		if !info.Exists {
			return gameerr.Rejected("%q is not a character of %s", name, next.WorldName)
		}
		if canonical := strings.TrimSpace(info.BasicInfo.CanonicalName); canonical != "" {
			name = canonical
		}
		next.Profile = models.Profile{
			Mode:              models.ModeCanon,
			World:             next.WorldName,
			Name:              name,
			Canon:             &info,
			VisualDescription: strings.TrimSpace(info.Appearance),
		}
		next.Phase = PhaseCanonValidation
		return nil
	})
}

// ChooseOriginal starts an original character named name and generates the
// questionnaire for it.
func (f *Flow) ChooseOriginal(ctx context.Context, name string) error {
	return f.apply("choose original character", []Phase{PhaseRoleSelection}, func(next *State) error {
		name, err := required("character name", name)
		if err != nil {
			return err
		}
		questions, err := f.lore.GenerateQuestions(ctx, next.WorldName)
		if err != nil {
			return err
		}
		if err := schema.Questions(schema.QuestionsPayload{Questions: questions}); err != nil {
			return err
		}
		answers := make([]models.QA, len(questions))
		for i, q := range questions {
			answers[i] = models.QA{Question: q}
		}
		answers[0].Answer = name

		next.Questions = questions
		next.Profile = models.Profile{
			Mode:    models.ModeOriginal,
			World:   next.WorldName,
			Name:    name,
			Answers: answers,
		}
		next.Phase = PhaseQuestionnaire
		return nil
	})
}

// Answer records the answer to question index.
func (f *Flow) Answer(index int, text string) error {
	return f.apply("answer", []Phase{PhaseQuestionnaire}, func(next *State) error {
		if index < 0 || index >= len(next.Profile.Answers) {
			return gameerr.Rejected("question %d does not exist", index+1)
		}
		next.Profile.Answers[index].Answer = strings.TrimSpace(text)
		return nil
	})
}

// SubmitQuestionnaire compiles the answers, derives the visual description and
// draws the first portrait.
func (f *Flow) SubmitQuestionnaire(ctx context.Context) error {
	return f.apply("submit questionnaire", []Phase{PhaseQuestionnaire}, func(next *State) error {
		if err := schema.Answers(next.Profile.Answers); err != nil {
			if gameerr.GetCode(err) != gameerr.CodeValidationRejected {
				return gameerr.Rejected("questionnaire is incomplete: %v", err)
			}
			return err
		}
		next.Profile.Name = next.Profile.Answers[0].Answer

		visual, err := f.lore.DescribeCharacter(ctx, next.WorldName, next.Profile.Compile())
		if err != nil {
			return err
		}
		next.Profile.VisualDescription = visual
		next.Portrait = f.lore.GeneratePortrait(ctx, next.WorldName, visual, next.ArtStyle)
		next.Regenerations = 0
		next.Phase = PhasePortrait
		return nil
	})
}

// RegeneratePortrait redraws the portrait. At most MaxRegenerations are accepted.
// If no image comes back the previous portrait is kept.
func (f *Flow) RegeneratePortrait(ctx context.Context, r Regeneration) error {
	return f.apply("regenerate portrait", []Phase{PhasePortrait}, func(next *State) error {
		if next.Regenerations >= MaxRegenerations {
			return gameerr.Rejected("the portrait can only be regenerated %d times", MaxRegenerations)
		}
		adjustments := strings.TrimSpace(r.Adjustments)
		if r.StyleID == "" && adjustments == "" {
			return gameerr.Rejected("choose a different style or describe an adjustment")
		}
		style := next.ArtStyle
		if r.StyleID != "" {
			s, ok := f.styles.ByID(r.StyleID)
			if !ok {
				return gameerr.Rejected("unknown art style %q", r.StyleID)
			}
			style = s
		}
		visual := next.Profile.VisualDescription
		if adjustments != "" {
			visual = strings.TrimSpace(visual + " " + adjustments)
		}

		if img := f.lore.GeneratePortrait(ctx, next.WorldName, visual, style); img != nil {
			next.Portrait = img
		}
		next.ArtStyle = style
		next.Profile.VisualDescription = visual
		next.Regenerations++
		return nil
	})
}

var startNodePhases = []Phase{PhaseCanonValidation, PhasePortrait, PhaseStartNodeSelection}

// GenerateStartNodes asks for candidate starting points for the character.
func (f *Flow) GenerateStartNodes(ctx context.Context) error {
	return f.apply("generate start nodes", startNodePhases, func(next *State) error {
		nodes, err := f.lore.GeneratePlotNodes(ctx, engine.PlotRequest{
			World:     next.WorldName,
			Character: next.Profile.Name,
			Mode:      next.Profile.Mode,
			Profile:   next.Profile.Compile(),
		})
		if err != nil {
			return err
		}
		next.StartNodes = nodes
		next.Selected = -1
		next.Phase = PhaseStartNodeSelection
		return nil
	})
}

// UseCustomStartNode sets a free-text starting point. It takes precedence over
// any selected candidate.
func (f *Flow) UseCustomStartNode(text string) error {
	return f.apply("custom start node", startNodePhases, func(next *State) error {
		text, err := required("starting node", text)
		if err != nil {
			return err
		}
		next.CustomStartNode = text
		next.Phase = PhaseStartNodeSelection
		return nil
	})
}

// SelectStartNode picks generated candidate index and clears any custom text.
func (f *Flow) SelectStartNode(index int) error {
	return f.apply("select start node", []Phase{PhaseStartNodeSelection}, func(next *State) error {
		if index < 0 || index >= len(next.StartNodes) {
			return gameerr.Rejected("starting node %d does not exist", index+1)
		}
		next.Selected = index
		next.CustomStartNode = ""
		return nil
	})
}

// Begin starts the session at the chosen node.
func (f *Flow) Begin(ctx context.Context, starter Starter) (string, models.Turn, error) {
	var (
		id      string
		opening models.Turn
	)
	err := f.apply("begin", []Phase{PhaseStartNodeSelection}, func(next *State) error {
		node := next.StartingNode()
		if node == "" {
			return gameerr.Rejected("choose or describe a starting node first")
		}
		var err error
		id, opening, err = starter.Start(ctx, session.StartRequest{
			Player:       f.player,
			Profile:      next.Profile,
			ArtStyle:     next.ArtStyle,
			StartingNode: node,
		})
		if err != nil {
			return err
		}
		next.SessionID = id
		next.Opening = opening
		next.Phase = PhasePlaying
		return nil
	})
	if err != nil {
		return "", models.Turn{}, err
	}
	return id, opening, nil
}
