// Package session owns live playthroughs: their transcript, the header the
// narrator needs on every turn, and the persisted game record backing them.
package session

import (
	"context"
	"sync"

	"github.com/tatianab/storyforge/internal/models"
)

// Session is the live state of one playthrough.
//
// Fields other than the immutable header are only touched while the session is
// held through Manager.Acquire.
type Session struct {
	mu sync.Mutex

	ID                string
	Player            models.Player
	World             string
	Character         string
	Mode              models.CharacterMode
	Profile           string
	VisualDescription string
	ArtStyle          models.ArtStyle
	StartingNode      string
	RecordID          int64

	roundID    int64
	rounds     int
	transcript models.Transcript
	current    models.Turn
}

// Transcript returns a copy of the session's history.
func (s *Session) Transcript() models.Transcript {
	return s.transcript.Clone()
}

// Current is the latest narrator turn, the one awaiting the player's action.
func (s *Session) Current() models.Turn {
	return s.current
}

// Rounds is the number of narrator turns so far.
func (s *Session) Rounds() int {
	return s.rounds
}

// Terminated reports whether the playthrough reached GAME_OVER or VICTORY.
func (s *Session) Terminated() bool {
	return s.current.Status.Terminal()
}

// Preamble is the player framing sent ahead of the transcript on every request.
func (s *Session) Preamble() string {
	return models.Preamble(s.World, s.Character, s.StartingNode)
}

// OpeningRequest carries what the narrator needs to write the first scene.
type OpeningRequest struct {
	World             string
	Character         string
	Mode              models.CharacterMode
	Profile           string
	VisualDescription string
	StartingNode      string
}

// Opener produces the opening turn of a new session.
type Opener interface {
	OpeningScene(ctx context.Context, req OpeningRequest) (models.Turn, error)
}

// Store is the persistence the manager composes for registered players.
type Store interface {
	CreateGameRecord(ctx context.Context, rec models.GameRecord) (models.GameRecord, error)
	GetGameRecord(ctx context.Context, id int64) (models.GameRecord, error)
	UpdateGameRecordStatus(ctx context.Context, id int64, status models.RecordStatus, summary string) error
	AbandonInProgress(ctx context.Context, userID string) error
	CreateRound(ctx context.Context, recordID int64, number int, turn models.Turn) (int64, error)
	UpdateRoundChoice(ctx context.Context, roundID int64, choice string) error
	ListRounds(ctx context.Context, recordID int64) ([]models.RoundRecord, error)
}

// StartRequest describes a new playthrough.
type StartRequest struct {
	Player       models.Player
	Profile      models.Profile
	ArtStyle     models.ArtStyle
	StartingNode string
}
