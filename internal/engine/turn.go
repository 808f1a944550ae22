package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/tatianab/storyforge/internal/gameerr"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/schema"
	"github.com/tatianab/storyforge/internal/session"
)

// TurnEngine advances live sessions one player action at a time.
type TurnEngine struct {
	engine   *Engine
	sessions *session.Manager
	logger   *zap.Logger
}

// NewTurnEngine creates a turn engine for the sessions held by m.
func NewTurnEngine(e *Engine, m *session.Manager) *TurnEngine {
	return &TurnEngine{engine: e, sessions: m, logger: e.logger}
}

// resolveAction maps a bare option label to the option's text. Anything else is
// a free-text action and is passed through.
func resolveAction(current models.Turn, action string) string {
	if len(action) == 1 {
		if c, ok := current.Choice(action); ok && c.Text != "" {
			return c.Text
		}
	}
	return action
}

// history is the conversation the narrator sees: the preamble, then every
// transcript entry with narrator turns as model messages.
func history(s *session.Session) []Message {
	transcript := s.Transcript()
	msgs := make([]Message, 0, len(transcript)+1)
	msgs = append(msgs, Message{Role: RoleUser, Text: s.Preamble()})
	for _, entry := range transcript {
		role := RoleUser
		if entry.Role == models.RoleNarrator {
			role = RoleModel
		}
		msgs = append(msgs, Message{Role: role, Text: entry.Text})
	}
	return msgs
}

// MakeChoice sends the player's action to the narrator and commits the reply.
// The session is held for the whole call, so concurrent actions on one session
// are serialized. On any failure the transcript is unchanged.
func (t *TurnEngine) MakeChoice(ctx context.Context, sessionID, action string) (models.Turn, error) {
	s, release, err := t.sessions.Acquire(sessionID)
	if err != nil {
		return models.Turn{}, err
	}
	defer release()

	if s.Terminated() {
		return models.Turn{}, gameerr.New(gameerr.CodeSessionTerminated, "session %s has ended", sessionID)
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return models.Turn{}, gameerr.Rejected("action is empty")
	}
	action = resolveAction(s.Current(), action)

	system, err := t.engine.systemRules(turnContext{
		World:             s.World,
		Character:         s.Character,
		Mode:              s.Mode,
		Profile:           s.Profile,
		VisualDescription: s.VisualDescription,
	})
	if err != nil {
		return models.Turn{}, err
	}

	logger := t.logger.With(zap.String("session", sessionID), zap.Int("round", s.Rounds()+1))
	logger.Debug("Requesting turn", zap.String("action", action))

	payload, err := generate(ctx, t.engine, Request{
		Kind:    schema.KindTurn,
		System:  system,
		History: history(s),
		Prompt:  models.PlayerActionPrefix + action,
	}, schema.Turn)
	if err != nil {
		logger.Error("Turn generation failed", zap.Error(err))
		return models.Turn{}, err
	}

	turn := payload.Turn()
	if err := t.sessions.Commit(ctx, s, action, turn); err != nil {
		return models.Turn{}, err
	}
	logger.Info("Turn committed", zap.String("status", string(turn.Status)))
	return turn, nil
}

// Illustrate draws the session's current scene. It returns nil when the session
// is gone or no image could be made.
func (t *TurnEngine) Illustrate(ctx context.Context, sessionID string) *models.Image {
	s, release, err := t.sessions.Acquire(sessionID)
	if err != nil {
		t.logger.Warn("Cannot illustrate session", zap.String("session", sessionID), zap.Error(err))
		return nil
	}
	data := struct {
		World             string
		Narrative         string
		VisualDescription string
		Style             string
	}{s.World, s.Current().Narrative, s.VisualDescription, s.ArtStyle.Prompt}
	release()

	return t.engine.image(ctx, "scene.tmpl", data)
}
