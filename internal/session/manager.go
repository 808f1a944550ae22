package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tatianab/storyforge/internal/artstyle"
	"github.com/tatianab/storyforge/internal/gameerr"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/registry"
	"github.com/tatianab/storyforge/internal/store"
)

// Manager starts, resumes and advances sessions. Anonymous players get the same
// control flow with every store call skipped.
type Manager struct {
	opener   Opener
	store    Store
	sessions *registry.Registry[*Session]
	styles   *artstyle.Catalog
	logger   *zap.Logger
	newID    func() string

	// liveMu guards live, the session currently bound to each persisted record.
	liveMu sync.Mutex
	live   map[int64]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithStyles sets the catalog used to restore a resumed session's art style.
func WithStyles(c *artstyle.Catalog) Option {
	return func(m *Manager) { m.styles = c }
}

// NewManager wires a manager. store may be nil, in which case every player is
// treated as anonymous.
func NewManager(opener Opener, st Store, sessions *registry.Registry[*Session], opts ...Option) *Manager {
	m := &Manager{
		opener:   opener,
		store:    st,
		sessions: sessions,
		styles:   artstyle.Default(),
		logger:   zap.NewNop(),
		newID:    uuid.NewString,
		live:     make(map[int64]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) persistent(p models.Player) bool {
	return m.store != nil && !p.Anonymous && p.ID != ""
}

// liveSession returns the registered session bound to a record. liveMu must be held.
func (m *Manager) liveSession(recordID int64) (string, bool) {
	id, ok := m.live[recordID]
	if !ok {
		return "", false
	}
	if _, err := m.sessions.Get(id); err != nil {
		delete(m.live, recordID)
		return "", false
	}
	return id, true
}

func closingSummary(turn models.Turn) string {
	return turn.CharacterLabel + ": " + turn.CharacterAnalysis
}

// Start requests the opening scene, seeds the transcript with it and registers
// the new session.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, models.Turn, error) {
	profile := req.Profile
	switch {
	case strings.TrimSpace(profile.World) == "":
		return "", models.Turn{}, gameerr.Rejected("world is required")
	case strings.TrimSpace(profile.Name) == "":
		return "", models.Turn{}, gameerr.Rejected("character is required")
	case strings.TrimSpace(req.StartingNode) == "":
		return "", models.Turn{}, gameerr.Rejected("starting node is required")
	}

	s := &Session{
		ID:                m.newID(),
		Player:            req.Player,
		World:             profile.World,
		Character:         profile.Name,
		Mode:              profile.Mode,
		Profile:           profile.Compile(),
		VisualDescription: profile.VisualDescription,
		ArtStyle:          req.ArtStyle,
		StartingNode:      req.StartingNode,
	}
	logger := m.logger.With(zap.String("session", s.ID), zap.String("world", s.World), zap.String("character", s.Character))

	opening, err := m.opener.OpeningScene(ctx, OpeningRequest{
		World:             s.World,
		Character:         s.Character,
		Mode:              s.Mode,
		Profile:           s.Profile,
		VisualDescription: s.VisualDescription,
		StartingNode:      s.StartingNode,
	})
	if err != nil {
		return "", models.Turn{}, err
	}

	if m.persistent(req.Player) {
		if err := m.store.AbandonInProgress(ctx, req.Player.ID); err != nil {
			return "", models.Turn{}, gameerr.Wrap(gameerr.CodeStorageFailed, err, "abandon previous games")
		}
		rec, err := m.store.CreateGameRecord(ctx, models.GameRecord{
			UserID:            req.Player.ID,
			World:             s.World,
			Character:         s.Character,
			Mode:              s.Mode,
			Profile:           s.Profile,
			VisualDescription: s.VisualDescription,
			ArtStyleID:        s.ArtStyle.ID,
			StartingNode:      s.StartingNode,
		})
		if err != nil {
			return "", models.Turn{}, gameerr.Wrap(gameerr.CodeStorageFailed, err, "create game record")
		}
		roundID, err := m.store.CreateRound(ctx, rec.ID, 1, opening)
		if err != nil {
			return "", models.Turn{}, gameerr.Wrap(gameerr.CodeStorageFailed, err, "create opening round")
		}
		s.RecordID = rec.ID
		s.roundID = roundID
	}

	s.transcript = models.Transcript{models.NarratorEntry(opening)}
	s.current = opening
	s.rounds = 1
	m.sessions.Put(s.ID, s)
	if s.RecordID != 0 {
		m.liveMu.Lock()
		m.live[s.RecordID] = s.ID
		m.liveMu.Unlock()
	}

	logger.Info("Session started", zap.Int64("record", s.RecordID), zap.Bool("anonymous", !m.persistent(req.Player)))
	return s.ID, opening, nil
}

// Resume rebuilds a session from a persisted game record. A record that already
// has a live session resumes into that session rather than a second one.
func (m *Manager) Resume(ctx context.Context, player models.Player, recordID int64) (string, models.Transcript, models.Turn, error) {
	if !m.persistent(player) {
		return "", nil, models.Turn{}, gameerr.New(gameerr.CodeResumeNotFound, "anonymous games are not persisted")
	}

	m.liveMu.Lock()
	defer m.liveMu.Unlock()

	rec, err := m.store.GetGameRecord(ctx, recordID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.UserID != player.ID) {
		return "", nil, models.Turn{}, gameerr.New(gameerr.CodeResumeNotFound, "game record %d not found", recordID)
	}
	if err != nil {
		return "", nil, models.Turn{}, gameerr.Wrap(gameerr.CodeStorageFailed, err, "load game record %d", recordID)
	}
	if id, ok := m.liveSession(rec.ID); ok {
		return m.rejoin(ctx, id, rec)
	}
	if rec.Status == models.RecordCleared || rec.Status == models.RecordFailed {
		return "", nil, models.Turn{}, gameerr.New(gameerr.CodeSessionTerminated, "game record %d already ended (%s)", recordID, rec.Status)
	}

	rounds, err := m.store.ListRounds(ctx, recordID)
	if err != nil {
		return "", nil, models.Turn{}, gameerr.Wrap(gameerr.CodeStorageFailed, err, "list rounds of record %d", recordID)
	}
	if len(rounds) == 0 {
		return "", nil, models.Turn{}, gameerr.New(gameerr.CodeResumeNotFound, "game record %d has no rounds", recordID)
	}
	transcript, current, err := models.ReplayRounds(rounds)
	if err != nil {
		return "", nil, models.Turn{}, gameerr.Wrap(gameerr.CodeResumeNotFound, err, "replay record %d", recordID)
	}
	if current.Status.Terminal() {
		// The last round ended the game even if closing the header failed.
		if want := models.RecordStatusFor(current.Status); rec.Status != want {
			if err := m.store.UpdateGameRecordStatus(ctx, rec.ID, want, closingSummary(current)); err != nil {
				m.logger.Warn("Failed to close game record", zap.Int64("record", rec.ID), zap.Error(err))
			}
		}
		return "", nil, models.Turn{}, gameerr.New(gameerr.CodeSessionTerminated, "game record %d already ended (%s)", recordID, current.Status)
	}
	if err := m.reopen(ctx, player, rec); err != nil {
		return "", nil, models.Turn{}, err
	}

	style, ok := m.styles.ByID(rec.ArtStyleID)
	if !ok {
		style = m.styles.DefaultStyle()
	}
	last := rounds[0]
	for _, r := range rounds {
		if r.Number > last.Number {
			last = r
		}
	}

	s := &Session{
		ID:                m.newID(),
		Player:            player,
		World:             rec.World,
		Character:         rec.Character,
		Mode:              rec.Mode,
		Profile:           rec.Profile,
		VisualDescription: rec.VisualDescription,
		ArtStyle:          style,
		StartingNode:      rec.StartingNode,
		RecordID:          rec.ID,
		roundID:           last.ID,
		rounds:            last.Number,
		transcript:        transcript,
		current:           current,
	}
	m.sessions.Put(s.ID, s)
	m.live[rec.ID] = s.ID

	m.logger.Info("Session resumed",
		zap.String("session", s.ID),
		zap.Int64("record", rec.ID),
		zap.Int("rounds", len(rounds)))
	return s.ID, transcript.Clone(), current, nil
}

// reopen makes rec the player's only in-progress game.
func (m *Manager) reopen(ctx context.Context, player models.Player, rec models.GameRecord) error {
	if rec.Status == models.RecordInProgress {
		return nil
	}
	if err := m.store.AbandonInProgress(ctx, player.ID); err != nil {
		return gameerr.Wrap(gameerr.CodeStorageFailed, err, "abandon previous games")
	}
	if err := m.store.UpdateGameRecordStatus(ctx, rec.ID, models.RecordInProgress, ""); err != nil {
		return gameerr.Wrap(gameerr.CodeStorageFailed, err, "reopen record %d", rec.ID)
	}
	return nil
}

// rejoin returns the state of the live session bound to rec.
func (m *Manager) rejoin(ctx context.Context, id string, rec models.GameRecord) (string, models.Transcript, models.Turn, error) {
	s, release, err := m.Acquire(id)
	if err != nil {
		return "", nil, models.Turn{}, err
	}
	defer release()
	if s.Terminated() {
		return "", nil, models.Turn{}, gameerr.New(gameerr.CodeSessionTerminated, "game record %d already ended (%s)", rec.ID, s.current.Status)
	}
	if err := m.reopen(ctx, s.Player, rec); err != nil {
		return "", nil, models.Turn{}, err
	}
	m.logger.Info("Session rejoined", zap.String("session", id), zap.Int64("record", rec.ID))
	return id, s.Transcript(), s.Current(), nil
}

// Acquire leases the session and locks it for a single writer. release must be
// called exactly once; further calls are no-ops.
func (m *Manager) Acquire(id string) (*Session, func(), error) {
	s, leaseRelease, err := m.sessions.Acquire(id)
	if err != nil {
		return nil, func() {}, err
	}
	s.mu.Lock()
	released := false
	return s, func() {
		if released {
			return
		}
		released = true
		s.mu.Unlock()
		leaseRelease()
	}, nil
}

// Commit records the player's action and the narrator's reply on a session the
// caller holds. The store is written first; if it fails the transcript is left
// exactly as it was.
func (m *Manager) Commit(ctx context.Context, s *Session, action string, turn models.Turn) error {
	if s.Terminated() {
		return gameerr.New(gameerr.CodeSessionTerminated, "session %s has ended", s.ID)
	}

	roundID := s.roundID
	if m.persistent(s.Player) && s.RecordID != 0 {
		if err := m.store.UpdateRoundChoice(ctx, s.roundID, action); err != nil {
			return gameerr.Wrap(gameerr.CodeStorageFailed, err, "record choice for round %d", s.rounds)
		}
		id, err := m.store.CreateRound(ctx, s.RecordID, s.rounds+1, turn)
		if err != nil {
			return gameerr.Wrap(gameerr.CodeStorageFailed, err, "create round %d", s.rounds+1)
		}
		roundID = id

		if turn.Status.Terminal() {
			// The terminal round is stored, so Resume still sees the game as ended.
			if err := m.store.UpdateGameRecordStatus(ctx, s.RecordID, models.RecordStatusFor(turn.Status), closingSummary(turn)); err != nil {
				m.logger.Warn("Failed to close game record",
					zap.String("session", s.ID),
					zap.Int64("record", s.RecordID),
					zap.Error(err))
			}
		}
	}

	transcript := s.transcript.Clone()
	transcript = append(transcript, models.PlayerEntry(action), models.NarratorEntry(turn))
	s.transcript = transcript
	s.current = turn
	s.roundID = roundID
	s.rounds++

	if turn.Status.Terminal() {
		m.logger.Info("Session ended",
			zap.String("session", s.ID),
			zap.String("status", string(turn.Status)),
			zap.Int("rounds", s.rounds))
	}
	return nil
}

// Append leases the session and commits one player action and narrator turn.
func (m *Manager) Append(ctx context.Context, id, action string, turn models.Turn) error {
	s, release, err := m.Acquire(id)
	if err != nil {
		return err
	}
	defer release()
	return m.Commit(ctx, s, action, turn)
}

// Transcript returns a copy of a live session's history.
func (m *Manager) Transcript(id string) (models.Transcript, error) {
	s, release, err := m.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.Transcript(), nil
}

// End removes a session from the registry.
func (m *Manager) End(id string) {
	m.sessions.Delete(id)
	m.liveMu.Lock()
	for rec, sid := range m.live {
		if sid == id {
			delete(m.live, rec)
		}
	}
	m.liveMu.Unlock()
	m.logger.Debug("Session removed", zap.String("session", id))
}
