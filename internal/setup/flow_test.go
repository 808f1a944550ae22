package setup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/storyforge/internal/artstyle"
	"github.com/tatianab/storyforge/internal/engine"
	"github.com/tatianab/storyforge/internal/gameerr"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/registry"
	"github.com/tatianab/storyforge/internal/session"
)

type fakeLore struct {
	worlds     map[string]models.WorldInfo
	characters map[string]models.CharacterInfo
	err        error

	portraits    []*models.Image
	portraitReqs []string
	plotReqs     []engine.PlotRequest
}

func newFakeLore() *fakeLore {
	return &fakeLore{
		worlds: map[string]models.WorldInfo{
			"Wonderland": {Exists: true, Author: "Lewis Carroll", OriginalLanguage: "English", Abstract: "Down the rabbit hole.", Category: "Fairy Tale"},
		},
		characters: map[string]models.CharacterInfo{},
	}
}

func (l *fakeLore) ValidateWorld(_ context.Context, name string) (models.WorldInfo, error) {
	if l.err != nil {
		return models.WorldInfo{}, l.err
	}
	return l.worlds[name], nil
}

func (l *fakeLore) ValidateCharacter(_ context.Context, _, name string) (models.CharacterInfo, error) {
	if l.err != nil {
		return models.CharacterInfo{}, l.err
	}
	return l.characters[name], nil
}

func (l *fakeLore) GenerateQuestions(context.Context, string) ([]string, error) {
	if l.err != nil {
		return nil, l.err
	}
	qs := append([]string{}, models.MandatoryQuestions...)
	qs = append(qs, "Which card suit do you serve?", "Can you change size?", "What do you fear?")
	return append(qs, models.ClosingQuestions...), nil
}

func (l *fakeLore) DescribeCharacter(_ context.Context, _, profile string) (string, error) {
	if l.err != nil {
		return "", l.err
	}
	return "A small figure in green", nil
}

func (l *fakeLore) GeneratePlotNodes(_ context.Context, req engine.PlotRequest) ([]string, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.plotReqs = append(l.plotReqs, req)
	return []string{"The Mad Tea Party", "The Queen's croquet ground"}, nil
}

func (l *fakeLore) GeneratePortrait(_ context.Context, _, visual string, style models.ArtStyle) *models.Image {
	l.portraitReqs = append(l.portraitReqs, style.ID+"|"+visual)
	if len(l.portraits) == 0 {
		return nil
	}
	img := l.portraits[0]
	l.portraits = l.portraits[1:]
	return img
}

type fakeStarter struct {
	req session.StartRequest
	err error
}

func (s *fakeStarter) Start(_ context.Context, req session.StartRequest) (string, models.Turn, error) {
	s.req = req
	if s.err != nil {
		return "", models.Turn{}, s.err
	}
	return "session-1", models.Turn{
		Narrative: "The tea is cold.",
		Choices:   models.Options{A: "a", B: "b", C: "c"}.Choices(),
		Status:    models.StatusContinue,
	}, nil
}

func png(b byte) *models.Image {
	return &models.Image{MIMEType: "image/png", Data: []byte{b}}
}

func newTestFlow(lore Lore) *Flow {
	return NewFlow(models.Player{ID: "u1"}, lore, artstyle.Default(), nil)
}

func toRoleSelection(t *testing.T, f *Flow) {
	t.Helper()
	require.NoError(t, f.SelectWorld(context.Background(), "Wonderland"))
	require.NoError(t, f.ConfirmWorld())
}

func toPortrait(t *testing.T, f *Flow) {
	t.Helper()
	ctx := context.Background()
	toRoleSelection(t, f)
	require.NoError(t, f.ChooseOriginal(ctx, "Ivy"))
	require.NoError(t, f.Answer(1, "12"))
	require.NoError(t, f.Answer(2, "Female"))
	require.NoError(t, f.Answer(3, "Green dress, ivy in her hair"))
	require.NoError(t, f.SubmitQuestionnaire(ctx))
}

func TestUnknownWorldNeverConfirms(t *testing.T) {
	f := newTestFlow(newFakeLore())

	err := f.SelectWorld(context.Background(), "Blorptopia")
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err))

	s := f.Snapshot()
	assert.Equal(t, PhaseSelectWorld, s.Phase)
	assert.Nil(t, s.World, "summary and author stay unset")
	assert.Empty(t, s.WorldName)

	err = f.SelectWorld(context.Background(), "  ")
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err))
}

func TestBackendFailureKeepsState(t *testing.T) {
	lore := newFakeLore()
	f := newTestFlow(lore)
	toRoleSelection(t, f)
	before := f.Snapshot()

	lore.err = gameerr.New(gameerr.CodeBackendUnavailable, "down")
	err := f.ChooseOriginal(context.Background(), "Ivy")
	assert.Equal(t, gameerr.CodeBackendUnavailable, gameerr.GetCode(err))
	assert.Equal(t, before, f.Snapshot())
}

func TestWorldSelectionPicksStyle(t *testing.T) {
	f := newTestFlow(newFakeLore())
	require.NoError(t, f.SelectWorld(context.Background(), "Wonderland"))

	s := f.Snapshot()
	assert.Equal(t, PhaseWorldConfirmed, s.Phase)
	require.NotNil(t, s.World)
	assert.Equal(t, "Lewis Carroll", s.World.Author)
	assert.Equal(t, "watercolor", s.ArtStyle.ID)

	require.NoError(t, f.ChangeWorld())
	assert.Equal(t, PhaseSelectWorld, f.Snapshot().Phase)
	assert.Nil(t, f.Snapshot().World)

	err := f.ConfirmWorld()
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err))
}

func TestCanonCharacter(t *testing.T) {
	lore := newFakeLore()
	alice := models.CharacterInfo{Exists: true, Appearance: "Blue dress, white apron"}
	alice.BasicInfo.CanonicalName = "Alice"
	alice.Features.Occupations = []string{"Schoolgirl"}
	lore.characters["alice"] = alice

	f := newTestFlow(lore)
	toRoleSelection(t, f)

	err := f.ChooseCanon(context.Background(), "Gandalf")
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err))
	assert.Equal(t, PhaseRoleSelection, f.Snapshot().Phase)

	err = f.ChooseCanon(context.Background(), "")
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err))

	require.NoError(t, f.ChooseCanon(context.Background(), "alice"))
	s := f.Snapshot()
	assert.Equal(t, PhaseCanonValidation, s.Phase)
	assert.Equal(t, "Alice", s.Profile.Name)
	assert.Equal(t, models.ModeCanon, s.Profile.Mode)
	assert.Equal(t, "Blue dress, white apron", s.Profile.VisualDescription)
	assert.Contains(t, s.Profile.Compile(), "Occupations: Schoolgirl")

	require.NoError(t, f.GenerateStartNodes(context.Background()))
	require.Len(t, lore.plotReqs, 1)
	assert.Equal(t, engine.PlotRequest{
		World:     "Wonderland",
		Character: "Alice",
		Mode:      models.ModeCanon,
		Profile:   s.Profile.Compile(),
	}, lore.plotReqs[0])
}

func TestQuestionnaireRequiresMandatoryAnswers(t *testing.T) {
	ctx := context.Background()
	f := newTestFlow(newFakeLore())
	toRoleSelection(t, f)
	require.NoError(t, f.ChooseOriginal(ctx, "Ivy"))

	s := f.Snapshot()
	assert.Equal(t, PhaseQuestionnaire, s.Phase)
	assert.Equal(t, models.MandatoryQuestions, s.Questions[:4])
	assert.Equal(t, "Ivy", s.Profile.Answers[0].Answer)

	require.NoError(t, f.Answer(1, "12"))
	err := f.SubmitQuestionnaire(ctx)
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err))
	assert.Equal(t, PhaseQuestionnaire, f.Snapshot().Phase)

	err = f.Answer(42, "nope")
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err))
}

func TestPortraitRegenerationCap(t *testing.T) {
	ctx := context.Background()
	lore := newFakeLore()
	lore.portraits = []*models.Image{png(1), png(2), png(3), png(4)}
	f := newTestFlow(lore)
	toPortrait(t, f)

	s := f.Snapshot()
	assert.Equal(t, PhasePortrait, s.Phase)
	assert.Equal(t, png(1), s.Portrait)
	assert.Equal(t, "A small figure in green", s.Profile.VisualDescription)

	err := f.RegeneratePortrait(ctx, Regeneration{StyleID: "crayon"})
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err))

	require.NoError(t, f.RegeneratePortrait(ctx, Regeneration{StyleID: "ink_wash"}))
	require.NoError(t, f.RegeneratePortrait(ctx, Regeneration{Adjustments: "with a pocket watch"}))

	s = f.Snapshot()
	assert.Equal(t, png(3), s.Portrait)
	assert.Equal(t, "ink_wash", s.ArtStyle.ID)
	assert.Equal(t, "A small figure in green with a pocket watch", s.Profile.VisualDescription)
	assert.Equal(t, 2, s.Regenerations)

	err = f.RegeneratePortrait(ctx, Regeneration{StyleID: "oil_painting"})
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err))
	assert.Equal(t, png(3), f.Snapshot().Portrait)
	assert.Len(t, lore.portraitReqs, 3)
}

func TestDegradedPortraitKeepsPrevious(t *testing.T) {
	lore := newFakeLore()
	lore.portraits = []*models.Image{png(1)}
	f := newTestFlow(lore)
	toPortrait(t, f)

	require.NoError(t, f.RegeneratePortrait(context.Background(), Regeneration{StyleID: "ink_wash"}))
	s := f.Snapshot()
	assert.Equal(t, png(1), s.Portrait)
	assert.Equal(t, 1, s.Regenerations)
}

func TestCustomStartNodeWins(t *testing.T) {
	ctx := context.Background()
	f := newTestFlow(newFakeLore())
	toPortrait(t, f)

	_, _, err := f.Begin(ctx, &fakeStarter{})
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err), "begin needs START_NODE_SELECTION")

	require.NoError(t, f.GenerateStartNodes(ctx))
	_, _, err = f.Begin(ctx, &fakeStarter{})
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err), "no node chosen yet")

	require.NoError(t, f.SelectStartNode(1))
	require.NoError(t, f.UseCustomStartNode("Ivy wakes inside the White Rabbit's house"))

	starter := &fakeStarter{}
	id, opening, err := f.Begin(ctx, starter)
	require.NoError(t, err)
	assert.Equal(t, "session-1", id)
	assert.Equal(t, models.StatusContinue, opening.Status)
	assert.Equal(t, "Ivy wakes inside the White Rabbit's house", starter.req.StartingNode)
	assert.Equal(t, models.Player{ID: "u1"}, starter.req.Player)
	assert.Equal(t, "Ivy", starter.req.Profile.Name)

	s := f.Snapshot()
	assert.Equal(t, PhasePlaying, s.Phase)
	assert.Equal(t, "session-1", s.SessionID)
}

func TestSelectStartNodeClearsCustom(t *testing.T) {
	ctx := context.Background()
	f := newTestFlow(newFakeLore())
	toPortrait(t, f)

	require.NoError(t, f.UseCustomStartNode("somewhere"))
	require.NoError(t, f.GenerateStartNodes(ctx))
	require.NoError(t, f.SelectStartNode(0))
	assert.Equal(t, "The Mad Tea Party", f.Snapshot().StartingNode())

	starter := &fakeStarter{err: errors.New("boom")}
	_, _, err := f.Begin(ctx, starter)
	require.Error(t, err)
	assert.Equal(t, PhaseStartNodeSelection, f.Snapshot().Phase)
}

func TestCacheKeepsOneFlowPerPlayer(t *testing.T) {
	reg := registry.New[*Flow]("setup", 2*time.Hour)
	c := NewCache(reg, newFakeLore(), artstyle.Default(), nil)

	a := c.For(models.Player{ID: "a"})
	assert.Same(t, a, c.For(models.Player{ID: "a"}))
	assert.NotSame(t, a, c.For(models.Player{ID: "b"}))
	assert.Same(t, c.For(models.Player{Anonymous: true}), c.For(models.Player{ID: ""}))

	c.Reset(models.Player{ID: "a"})
	assert.NotSame(t, a, c.For(models.Player{ID: "a"}))
}
