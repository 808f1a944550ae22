package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/storyforge/internal/engine"
	"github.com/tatianab/storyforge/internal/gameerr"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/registry"
	"github.com/tatianab/storyforge/internal/retry"
	"github.com/tatianab/storyforge/internal/schema"
	"github.com/tatianab/storyforge/internal/session"
	"github.com/tatianab/storyforge/internal/store"
)

type harness struct {
	backend *fakeBackend
	sleeps  *sleepRecorder
	engine  *engine.Engine
	manager *session.Manager
	turns   *engine.TurnEngine
}

func newHarness(t *testing.T, st session.Store) *harness {
	t.Helper()
	h := &harness{backend: newFakeBackend(), sleeps: &sleepRecorder{}}
	h.engine = engine.NewEngine(h.backend, engine.WithRetryPolicy(testPolicy(h.sleeps)))
	h.manager = session.NewManager(h.engine, st, registry.New[*session.Session]("sessions", 30*time.Minute))
	h.turns = engine.NewTurnEngine(h.engine, h.manager)
	return h
}

func (h *harness) start(t *testing.T, player models.Player) string {
	t.Helper()
	h.backend.pushJSON(schema.KindOpening, openingPayload("The tea is cold and the Hatter is staring."))
	id, opening, err := h.manager.Start(context.Background(), session.StartRequest{
		Player: player,
		Profile: models.Profile{
			Mode:  models.ModeOriginal,
			World: "Wonderland",
			Name:  "Ivy",
			Answers: []models.QA{
				{Question: "Name", Answer: "Ivy"},
				{Question: "Age", Answer: "12"},
				{Question: "Gender", Answer: "Female"},
				{Question: "Physical Description/Appearance", Answer: "Green dress"},
			},
			VisualDescription: "A girl in a green dress",
		},
		ArtStyle:     models.ArtStyle{ID: "watercolor", Prompt: "soft watercolor"},
		StartingNode: "The Mad Tea Party",
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusContinue, opening.Status)
	return id
}

func TestOpeningSceneUsesRules(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, models.Player{Anonymous: true})

	reqs := h.backend.calls(schema.KindOpening)
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, `set in "Wonderland"`)
	assert.Contains(t, reqs[0].System, "Name: Ivy")
	assert.Contains(t, reqs[0].Prompt, "The Mad Tea Party")
	assert.Contains(t, reqs[0].Prompt, "unique to this character")
	assert.Empty(t, reqs[0].History)
}

func TestMakeChoiceRunsToTermination(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.start(t, models.Player{Anonymous: true})

	h.backend.pushJSON(schema.KindTurn,
		turnPayload("The Hatter laughs as you run.", models.StatusContinue),
		turnPayload("The Queen crowns you.", models.StatusVictory))

	turn, err := h.turns.MakeChoice(ctx, id, "b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusContinue, turn.Status)
	assert.Len(t, turn.Choices, 3)
	assert.Empty(t, turn.CharacterLabel)
	assert.Empty(t, turn.CharacterAnalysis)

	req := h.backend.calls(schema.KindTurn)[0]
	assert.Equal(t, "chose: Run for the door", req.Prompt)
	require.Len(t, req.History, 2)
	assert.Equal(t, engine.RoleUser, req.History[0].Role)
	assert.Contains(t, req.History[0].Text, "The Mad Tea Party")
	assert.Equal(t, engine.RoleModel, req.History[1].Role)
	assert.Contains(t, req.System, "three acts")

	turn, err = h.turns.MakeChoice(ctx, id, "Curtsey to the Queen")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVictory, turn.Status)
	assert.NotEmpty(t, turn.CharacterLabel)
	assert.NotEmpty(t, turn.CharacterAnalysis)

	last := h.backend.calls(schema.KindTurn)[1]
	assert.Equal(t, "chose: Curtsey to the Queen", last.Prompt)
	require.Len(t, last.History, 4)
	assert.Equal(t, "chose: Run for the door", last.History[2].Text)

	transcript, err := h.manager.Transcript(id)
	require.NoError(t, err)
	require.NoError(t, transcript.Validate())
	assert.Len(t, transcript, 5)

	for j := 0; j < 2; j++ {
		_, err = h.turns.MakeChoice(ctx, id, "A")
		assert.Equal(t, gameerr.CodeSessionTerminated, gameerr.GetCode(err))
	}
	assert.Len(t, h.backend.calls(schema.KindTurn), 2, "terminated sessions never reach the backend")
}

func TestMakeChoiceRetriesInvalidPayloads(t *testing.T) {
	h := newHarness(t, nil)
	id := h.start(t, models.Player{Anonymous: true})

	endless := turnPayload("You fall asleep forever.", models.StatusGameOver)
	endless.CharacterAnalysis = ""
	h.backend.pushJSON(schema.KindTurn, endless)
	h.backend.push(schema.KindTurn, reply{raw: "```json\n{not json\n```"})
	h.backend.pushJSON(schema.KindTurn, turnPayload("You wake in the garden.", models.StatusContinue))

	turn, err := h.turns.MakeChoice(context.Background(), id, "A")
	require.NoError(t, err)
	assert.Equal(t, "You wake in the garden.", turn.Narrative)
	assert.Len(t, h.backend.calls(schema.KindTurn), 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps.delays)
}

func TestMakeChoiceBackendUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.start(t, models.Player{Anonymous: true})
	before, err := h.manager.Transcript(id)
	require.NoError(t, err)

	quota := fmt.Errorf("429 quota: %w", retry.ErrRateLimited)
	h.backend.push(schema.KindTurn, reply{err: quota}, reply{err: quota}, reply{err: quota})

	_, err = h.turns.MakeChoice(ctx, id, "A")
	require.Error(t, err)
	assert.Equal(t, gameerr.CodeBackendUnavailable, gameerr.GetCode(err))
	assert.True(t, errors.Is(err, retry.ErrRateLimited))
	assert.Len(t, h.backend.calls(schema.KindTurn), 3)
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second}, h.sleeps.delays)

	after, err := h.manager.Transcript(id)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Schema failures surface the same way, with the cause kept in the chain.
	h.backend.push(schema.KindTurn, reply{raw: "{}"}, reply{raw: "{}"}, reply{raw: "{}"})
	_, err = h.turns.MakeChoice(ctx, id, "A")
	assert.Equal(t, gameerr.CodeBackendUnavailable, gameerr.GetCode(err))
	assert.True(t, gameerr.IsCode(err, gameerr.CodeSchemaInvalid))

	// The user can simply try again.
	h.backend.pushJSON(schema.KindTurn, turnPayload("The Hatter pours more tea.", models.StatusContinue))
	_, err = h.turns.MakeChoice(ctx, id, "A")
	require.NoError(t, err)
	after, err = h.manager.Transcript(id)
	require.NoError(t, err)
	assert.Len(t, after, 3)
}

func TestMakeChoiceRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.start(t, models.Player{Anonymous: true})

	_, err := h.turns.MakeChoice(ctx, id, "   ")
	assert.Equal(t, gameerr.CodeValidationRejected, gameerr.GetCode(err))

	_, err = h.turns.MakeChoice(ctx, "no-such-session", "A")
	assert.Equal(t, gameerr.CodeSessionNotFound, gameerr.GetCode(err))

	assert.Empty(t, h.backend.calls(schema.KindTurn))
}

func TestImpossibleActionIsSurfaced(t *testing.T) {
	h := newHarness(t, nil)
	id := h.start(t, models.Player{Anonymous: true})

	refusal := models.TurnPayload{
		Narration: "Ivy cannot fly; nobody in Wonderland has wings. The Hatter raises an eyebrow.",
		Options:   models.Options{A: "Apologise", B: "Ask for more tea", C: "Climb onto the table"},
		Status:    models.StatusContinue,
	}
	h.backend.pushJSON(schema.KindTurn, refusal)

	turn, err := h.turns.MakeChoice(context.Background(), id, "fly to the moon")
	require.NoError(t, err)
	assert.Equal(t, refusal.Turn(), turn)
	assert.Equal(t, "chose: fly to the moon", h.backend.calls(schema.KindTurn)[0].Prompt)
}

func TestResumedSessionSendsSameConversation(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "game.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := newHarness(t, st)
	player := models.Player{ID: "u1"}
	liveID := h.start(t, player)

	for i, action := range []string{"A", "Hide under the table", "C"} {
		h.backend.pushJSON(schema.KindTurn, turnPayload(fmt.Sprintf("Round %d", i+2), models.StatusContinue))
		_, err := h.turns.MakeChoice(ctx, liveID, action)
		require.NoError(t, err)
	}

	records, err := st.ListGameRecords(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	// A second process over the same database picks the game up.
	restarted := newHarness(t, st)
	resumedID, _, current, err := restarted.manager.Resume(ctx, player, records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Round 4", current.Narrative)

	restarted.backend.pushJSON(schema.KindTurn, turnPayload("Round 5", models.StatusContinue))
	resumedTurn, err := restarted.turns.MakeChoice(ctx, resumedID, "B")
	require.NoError(t, err)

	// The stale process asks the same question but can no longer write round 5.
	h.backend.pushJSON(schema.KindTurn, turnPayload("Round 5", models.StatusContinue))
	_, err = h.turns.MakeChoice(ctx, liveID, "B")
	assert.Equal(t, gameerr.CodeStorageFailed, gameerr.GetCode(err))
	liveTranscript, err := h.manager.Transcript(liveID)
	require.NoError(t, err)
	assert.Len(t, liveTranscript, 7)
	assert.Equal(t, "Round 5", resumedTurn.Narrative)

	liveReqs := h.backend.calls(schema.KindTurn)
	resumedReqs := restarted.backend.calls(schema.KindTurn)
	require.Len(t, resumedReqs, 1)
	if diff := cmp.Diff(liveReqs[len(liveReqs)-1], resumedReqs[0]); diff != "" {
		t.Errorf("resumed request differs (-live +resumed):\n%s", diff)
	}
}

type mapCache struct {
	worlds map[string]models.WorldInfo
}

func (c *mapCache) FindWorld(_ context.Context, name string) (models.WorldInfo, bool, error) {
	info, ok := c.worlds[name]
	return info, ok, nil
}

func (c *mapCache) SaveWorld(_ context.Context, name string, info models.WorldInfo) error {
	c.worlds[name] = info
	return nil
}

func TestValidateWorldUsesCache(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	cache := &mapCache{worlds: map[string]models.WorldInfo{}}
	e := engine.NewEngine(backend, engine.WithRetryPolicy(testPolicy(&sleepRecorder{})), engine.WithWorldCache(cache))

	wonderland := models.WorldInfo{Exists: true, Author: "Lewis Carroll", OriginalLanguage: "English", Abstract: "A girl falls down a rabbit hole.", Category: "Fairy Tale"}
	backend.pushJSON(schema.KindWorld, wonderland, models.WorldInfo{Exists: false})

	info, err := e.ValidateWorld(ctx, "Wonderland")
	require.NoError(t, err)
	assert.Equal(t, wonderland, info)
	info, err = e.ValidateWorld(ctx, "Wonderland")
	require.NoError(t, err)
	assert.Equal(t, wonderland, info)
	assert.Len(t, backend.calls(schema.KindWorld), 1)

	info, err = e.ValidateWorld(ctx, "Blorptopia")
	require.NoError(t, err)
	assert.False(t, info.Exists)
	assert.NotContains(t, cache.worlds, "Blorptopia")
	assert.True(t, strings.Contains(backend.calls(schema.KindWorld)[1].Prompt, "Science Fiction"))
}

func TestGenerateQuestionsRejectsMalformedLists(t *testing.T) {
	backend := newFakeBackend()
	e := engine.NewEngine(backend, engine.WithRetryPolicy(testPolicy(&sleepRecorder{})))

	good := append(append([]string{}, models.MandatoryQuestions...), "Which suit of cards do you serve?", "Can you change size?", "What do you fear?")
	good = append(good, models.ClosingQuestions...)
	short := schema.QuestionsPayload{Questions: []string{"Name", "Age"}}
	backend.pushJSON(schema.KindQuestions, short, schema.QuestionsPayload{Questions: good})

	qs, err := e.GenerateQuestions(context.Background(), "Wonderland")
	require.NoError(t, err)
	assert.Equal(t, good, qs)
	assert.Len(t, backend.calls(schema.KindQuestions), 2)
}

func TestImagesDegradeToNil(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.start(t, models.Player{Anonymous: true})

	h.backend.imageErr = errors.New("image model overloaded")
	assert.Nil(t, h.engine.GeneratePortrait(ctx, "Wonderland", "A girl in a green dress", models.ArtStyle{Prompt: "ink"}))
	assert.Equal(t, 3, h.backend.imageCalls)

	h.backend.imageErr = nil
	h.backend.images = []*models.Image{{MIMEType: "image/png", Data: []byte{1, 2, 3}}}
	img := h.turns.Illustrate(ctx, id)
	require.NotNil(t, img)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Contains(t, h.backend.imagePrompt, "The tea is cold")
	assert.Contains(t, h.backend.imagePrompt, "soft watercolor")

	assert.Nil(t, h.turns.Illustrate(ctx, "gone"))
}
