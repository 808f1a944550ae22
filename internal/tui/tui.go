package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/tatianab/storyforge/internal/artstyle"
	"github.com/tatianab/storyforge/internal/engine"
	"github.com/tatianab/storyforge/internal/gameerr"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/session"
	"github.com/tatianab/storyforge/internal/setup"
)

// Deps are the services the UI drives.
type Deps struct {
	Setup   *setup.Cache
	Manager *session.Manager
	Turns   *engine.TurnEngine
	Styles  *artstyle.Catalog
	Player  models.Player
	SaveDir string
	Logger  *zap.Logger
}

// Resumed is a session restored before the UI starts.
type Resumed struct {
	SessionID  string
	World      string
	Character  string
	Transcript models.Transcript
	Current    models.Turn
}

type sessionState int

const (
	stateSetup sessionState = iota
	stateLoading
	statePlaying
	stateEnded
)

type model struct {
	ctx  context.Context
	deps Deps

	state     sessionState
	flow      *setup.Flow
	question  int
	sessionID string
	current   models.Turn
	turns     int
	world     string
	character string

	textInput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	notice    string
	gameLog   string
	width     int
	height    int
}

var (
	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EEEEEE")).
			Background(lipgloss.Color("#5F5F87")).
			Bold(true).
			PaddingLeft(1)

	gameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F"))

	stateStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("#3C3C3C")).
			PaddingLeft(2).
			Foreground(lipgloss.Color("#AAAAAA"))

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500")).
			Bold(true).
			Underline(true)
)

func newModel(ctx context.Context, deps Deps, resumed *Resumed) model {
	ti := textinput.New()
	ti.Focus()
	ti.CharLimit = 300
	ti.Width = 60

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := model{
		ctx:       ctx,
		deps:      deps,
		state:     stateSetup,
		flow:      deps.Setup.For(deps.Player),
		textInput: ti,
		spinner:   sp,
		viewport:  viewport.New(80, 20),
	}
	if resumed != nil {
		m.sessionID = resumed.SessionID
		m.current = resumed.Current
		m.world, m.character = resumed.World, resumed.Character
		m.state = statePlaying
		m.gameLog = renderTranscript(resumed.Transcript)
		m.viewport.SetContent(m.gameLog)
		m.viewport.GotoBottom()
	}
	m.textInput.Placeholder = m.placeholder()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

type stepDoneMsg struct{ err error }

type begunMsg struct {
	id      string
	opening models.Turn
	err     error
}

type turnMsg struct {
	action string
	turn   models.Turn
	err    error
}

type imageSavedMsg struct {
	path string
	err  error
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.state == stateLoading {
				return m, nil
			}
			input := strings.TrimSpace(m.textInput.Value())
			m.textInput.Reset()
			m.notice = ""
			if input == "/quit" {
				return m, tea.Quit
			}
			switch m.state {
			case stateSetup:
				return m.handleSetup(input)
			case statePlaying:
				return m.handlePlay(input)
			case stateEnded:
				if input == "/new" {
					return m.restart(), nil
				}
				return m, nil
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = int(float64(msg.Width) * 0.75)
		m.viewport.Height = msg.Height - 8
		m.viewport.SetContent(m.gameLog)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case stepDoneMsg:
		m.state = stateSetup
		if msg.err != nil {
			m.notice = describe(msg.err)
		}
		m.textInput.Placeholder = m.placeholder()
		return m, nil

	case begunMsg:
		if msg.err != nil {
			m.state = stateSetup
			m.notice = describe(msg.err)
			return m, nil
		}
		m.sessionID = msg.id
		m.state = statePlaying
		snap := m.flow.Snapshot()
		m.world, m.character = snap.WorldName, snap.Profile.Name
		m.showTurn(msg.opening)
		m.textInput.Placeholder = m.placeholder()
		return m, nil

	case turnMsg:
		m.state = statePlaying
		if msg.err != nil {
			m.deps.Logger.Warn("Turn failed", zap.String("session", m.sessionID), zap.Error(msg.err))
			m.notice = describe(msg.err)
			if gameerr.IsCode(msg.err, gameerr.CodeSessionNotFound) {
				m.notice += " Type /new to start over."
				m.state = stateEnded
			}
			return m, nil
		}
		m.appendLog(userStyle.Width(m.viewport.Width).Render("> " + msg.action))
		m.showTurn(msg.turn)
		if msg.turn.Status.Terminal() {
			m.state = stateEnded
		}
		m.textInput.Placeholder = m.placeholder()
		return m, nil

	case imageSavedMsg:
		if msg.err != nil {
			m.notice = describe(msg.err)
		} else if msg.path != "" {
			m.notice = "Illustration saved to " + msg.path
		} else {
			m.notice = "No illustration this time."
		}
		return m, nil
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

// run executes a setup step in the background.
func (m model) run(step func(ctx context.Context) error) (tea.Model, tea.Cmd) {
	m.state = stateLoading
	ctx := m.ctx
	return m, func() tea.Msg { return stepDoneMsg{err: step(ctx)} }
}

func (m model) handleSetup(input string) (tea.Model, tea.Cmd) {
	flow := m.flow
	snap := flow.Snapshot()

	switch snap.Phase {
	case setup.PhaseSelectWorld:
		return m.run(func(ctx context.Context) error { return flow.SelectWorld(ctx, input) })

	case setup.PhaseWorldConfirmed:
		if strings.EqualFold(input, "n") {
			return m.run(func(context.Context) error { return flow.ChangeWorld() })
		}
		return m.run(func(context.Context) error { return flow.ConfirmWorld() })

	case setup.PhaseRoleSelection:
		switch {
		case input == "/world":
			return m.run(func(context.Context) error { return flow.ChangeWorld() })
		case strings.HasPrefix(input, "/oc"):
			name := strings.TrimSpace(strings.TrimPrefix(input, "/oc"))
			m.question = 1
			return m.run(func(ctx context.Context) error { return flow.ChooseOriginal(ctx, name) })
		default:
			return m.run(func(ctx context.Context) error { return flow.ChooseCanon(ctx, input) })
		}

	case setup.PhaseQuestionnaire:
		if input != "" {
			if err := flow.Answer(m.question, input); err != nil {
				m.notice = describe(err)
				return m, nil
			}
		}
		m.question++
		if m.question < len(snap.Questions) {
			m.textInput.Placeholder = m.placeholder()
			return m, nil
		}
		m.question = 0
		next, cmd := m.run(flow.SubmitQuestionnaire)
		return next, tea.Sequence(cmd, m.savePortraitLater())

	case setup.PhasePortrait:
		switch {
		case strings.HasPrefix(input, "/style "):
			r := setup.Regeneration{StyleID: strings.TrimSpace(strings.TrimPrefix(input, "/style "))}
			return m.regenerate(r)
		case strings.HasPrefix(input, "/adjust "):
			r := setup.Regeneration{Adjustments: strings.TrimPrefix(input, "/adjust ")}
			return m.regenerate(r)
		case strings.HasPrefix(input, "/custom "):
			text := strings.TrimPrefix(input, "/custom ")
			return m.run(func(context.Context) error { return flow.UseCustomStartNode(text) })
		default:
			return m.run(flow.GenerateStartNodes)
		}

	case setup.PhaseCanonValidation:
		if strings.HasPrefix(input, "/custom ") {
			text := strings.TrimPrefix(input, "/custom ")
			return m.run(func(context.Context) error { return flow.UseCustomStartNode(text) })
		}
		return m.run(flow.GenerateStartNodes)

	case setup.PhaseStartNodeSelection:
		if input == "/more" {
			return m.run(flow.GenerateStartNodes)
		}
		if n, err := strconv.Atoi(input); err == nil {
			if err := flow.SelectStartNode(n - 1); err != nil {
				m.notice = describe(err)
				return m, nil
			}
		} else if input != "" {
			if err := flow.UseCustomStartNode(input); err != nil {
				m.notice = describe(err)
				return m, nil
			}
		}
		m.state = stateLoading
		ctx, starter := m.ctx, m.deps.Manager
		return m, func() tea.Msg {
			id, opening, err := flow.Begin(ctx, starter)
			return begunMsg{id: id, opening: opening, err: err}
		}
	}
	return m, nil
}

func (m model) regenerate(r setup.Regeneration) (tea.Model, tea.Cmd) {
	flow := m.flow
	next, cmd := m.run(func(ctx context.Context) error { return flow.RegeneratePortrait(ctx, r) })
	return next, tea.Sequence(cmd, m.savePortraitLater())
}

// savePortraitLater writes the flow's current portrait to the save directory.
func (m model) savePortraitLater() tea.Cmd {
	flow, dir := m.flow, m.deps.SaveDir
	return func() tea.Msg {
		snap := flow.Snapshot()
		if snap.Portrait == nil {
			return imageSavedMsg{}
		}
		path, err := snap.Portrait.Save(dir, "portrait-"+slug(snap.Profile.Name))
		return imageSavedMsg{path: path, err: err}
	}
}

func (m model) handlePlay(input string) (tea.Model, tea.Cmd) {
	if input == "" {
		return m, nil
	}
	ctx, id, turns := m.ctx, m.sessionID, m.deps.Turns
	if input == "/illustrate" {
		name := fmt.Sprintf("scene-%s-%02d", slug(m.character), m.turns)
		dir := m.deps.SaveDir
		return m, func() tea.Msg {
			img := turns.Illustrate(ctx, id)
			if img == nil {
				return imageSavedMsg{}
			}
			path, err := img.Save(dir, name)
			return imageSavedMsg{path: path, err: err}
		}
	}

	action := input
	if c, ok := m.current.Choice(input); ok && len(input) == 1 {
		action = c.ID + ". " + c.Text
	}
	m.state = stateLoading
	return m, func() tea.Msg {
		turn, err := turns.MakeChoice(ctx, id, input)
		return turnMsg{action: action, turn: turn, err: err}
	}
}

func (m model) restart() model {
	if m.sessionID != "" {
		m.deps.Manager.End(m.sessionID)
	}
	m.deps.Setup.Reset(m.deps.Player)
	m.flow = m.deps.Setup.For(m.deps.Player)
	m.state = stateSetup
	m.sessionID = ""
	m.current = models.Turn{}
	m.turns = 0
	m.world, m.character = "", ""
	m.gameLog = ""
	m.viewport.SetContent("")
	m.textInput.Placeholder = m.placeholder()
	return m
}

func (m *model) appendLog(s string) {
	if m.gameLog != "" {
		m.gameLog += "\n\n"
	}
	m.gameLog += s
	m.viewport.SetContent(m.gameLog)
	m.viewport.GotoBottom()
}

func (m *model) showTurn(t models.Turn) {
	m.current = t
	m.turns++
	m.appendLog(gameStyle.Width(m.viewport.Width).Render(t.Narrative))
	if t.Status.Terminal() {
		m.appendLog(titleStyle.Render(string(t.Status)) + "\n" + t.CharacterLabel + "\n" + t.CharacterAnalysis)
		return
	}
	var b strings.Builder
	for _, c := range t.Choices {
		fmt.Fprintf(&b, "%s. %s\n", c.ID, c.Text)
	}
	m.appendLog(strings.TrimRight(b.String(), "\n"))
}

func (m model) placeholder() string {
	switch m.state {
	case statePlaying:
		return "A, B, C or describe what you do..."
	case stateEnded:
		return "/new to play again, /quit to leave"
	}
	snap := m.flow.Snapshot()
	switch snap.Phase {
	case setup.PhaseSelectWorld:
		return "Name a book, film or game to play in..."
	case setup.PhaseWorldConfirmed:
		return "Enter to confirm, 'n' to pick another world"
	case setup.PhaseRoleSelection:
		return "A character's name, or /oc <name> for your own"
	case setup.PhaseQuestionnaire:
		if m.question < len(snap.Questions) {
			return snap.Questions[m.question]
		}
	case setup.PhasePortrait:
		return "Enter to continue, /style <id>, /adjust <details> or /custom <start>"
	case setup.PhaseCanonValidation:
		return "Enter to see starting points, or /custom <start>"
	case setup.PhaseStartNodeSelection:
		return "Number of a starting point, your own, or /more"
	}
	return ""
}

func (m model) View() string {
	var s string

	switch m.state {
	case stateLoading:
		s = fmt.Sprintf("\n  %s Consulting the narrator... please wait.\n", m.spinner.View())

	case statePlaying, stateEnded:
		mainView := lipgloss.JoinHorizontal(lipgloss.Top, m.viewport.View(), m.renderState())
		help := helpStyle.Render("Commands: /illustrate, /new, /quit, or just type what you want to do.")
		s = lipgloss.JoinVertical(lipgloss.Left, mainView, "\n"+m.textInput.View(), "\n"+help)

	default:
		s = lipgloss.JoinVertical(lipgloss.Left, m.renderSetup(), "\n"+m.textInput.View())
	}

	if m.notice != "" {
		s += "\n\n" + noticeStyle.Render(m.notice)
	}
	return "\n" + s + "\n"
}

func (m model) renderSetup() string {
	snap := m.flow.Snapshot()
	var b strings.Builder
	b.WriteString(titleStyle.Render("STORYFORGE") + "\n\n")

	if snap.World != nil {
		fmt.Fprintf(&b, "%s by %s (%s, %s)\n%s\n\n", snap.WorldName, snap.World.Author, snap.World.Category, snap.World.OriginalLanguage, snap.World.Abstract)
		fmt.Fprintf(&b, "Art style: %s\n\n", snap.ArtStyle.Name)
	}

	switch snap.Phase {
	case setup.PhaseSelectWorld:
		b.WriteString("Which world do you want to step into?")
	case setup.PhaseWorldConfirmed:
		b.WriteString("Is this the world you meant?")
	case setup.PhaseRoleSelection:
		b.WriteString("Who will you be? Name a character from this world, or create your own with /oc <name>.\nType /world to pick another world.")
	case setup.PhaseQuestionnaire:
		for i, qa := range snap.Profile.Answers {
			marker := "  "
			if i == m.question {
				marker = "> "
			}
			fmt.Fprintf(&b, "%s%d. %s: %s\n", marker, i+1, qa.Question, qa.Answer)
		}
	case setup.PhasePortrait:
		fmt.Fprintf(&b, "%s\n\n%s\n\n", snap.Profile.Name, snap.Profile.VisualDescription)
		fmt.Fprintf(&b, "Regenerations left: %d\nStyles:", setup.MaxRegenerations-snap.Regenerations)
		for _, st := range m.deps.Styles.All() {
			fmt.Fprintf(&b, "\n  %s - %s", st.ID, st.Name)
		}
	case setup.PhaseCanonValidation:
		fmt.Fprintf(&b, "You will play %s.\n\n%s", snap.Profile.Name, snap.Profile.VisualDescription)
	case setup.PhaseStartNodeSelection:
		b.WriteString("Where does your story begin?\n")
		for i, node := range snap.StartNodes {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, node)
		}
		if snap.CustomStartNode != "" {
			fmt.Fprintf(&b, "\nYour own: %s", snap.CustomStartNode)
		}
	}
	return b.String()
}

func (m model) renderState() string {
	content := titleStyle.Render("WORLD") + "\n" + m.world + "\n\n" +
		titleStyle.Render("CHARACTER") + "\n" + m.character + "\n\n" +
		titleStyle.Render("STATUS") + "\n" + string(m.current.Status) + "\n"
	if m.deps.Player.Anonymous {
		content += "\n(guest: progress is not saved)"
	}

	stateWidth := int(float64(m.width) * 0.23)
	return stateStyle.Width(stateWidth).Height(m.viewport.Height).Render(content)
}

func renderTranscript(t models.Transcript) string {
	var parts []string
	for _, e := range t {
		if e.Role == models.RolePlayer {
			parts = append(parts, "> "+strings.TrimPrefix(e.Text, models.PlayerActionPrefix))
			continue
		}
		var turn models.Turn
		if decoded, err := (models.Transcript{e}).LastTurn(); err == nil {
			turn = decoded
		}
		parts = append(parts, turn.Narrative)
	}
	return strings.Join(parts, "\n\n")
}

func describe(err error) string {
	switch gameerr.GetCode(err) {
	case gameerr.CodeBackendUnavailable:
		return "The narrator is unavailable right now. Try again in a moment."
	case gameerr.CodeSessionNotFound:
		return "This story has expired."
	case gameerr.CodeSessionTerminated:
		return "This story has already ended."
	}
	var e *gameerr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '-'
	}, s)
	if s == "" {
		return "character"
	}
	return s
}

// Run starts the terminal UI. A non-nil resumed session skips setup.
func Run(ctx context.Context, deps Deps, resumed *Resumed) error {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	p := tea.NewProgram(newModel(ctx, deps, resumed), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
