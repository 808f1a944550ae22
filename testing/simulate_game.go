// Command simulate_game plays a whole story with a second model acting as the
// player. It runs anonymously, so nothing is written to the database.
package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/tatianab/storyforge/internal/artstyle"
	"github.com/tatianab/storyforge/internal/config"
	"github.com/tatianab/storyforge/internal/engine"
	"github.com/tatianab/storyforge/internal/gemini"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/registry"
	"github.com/tatianab/storyforge/internal/session"
	"github.com/tatianab/storyforge/internal/setup"
)

const maxTurns = 10

type player struct {
	model *genai.GenerativeModel
}

func (p *player) ask(ctx context.Context, prompt, fallback string) string {
	resp, err := p.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return fallback
	}
	if text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text); ok {
		if s := strings.TrimSpace(string(text)); s != "" {
			return s
		}
	}
	return fallback
}

func main() {
	ctx := context.Background()
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.RequireAPIKey(); err != nil {
		log.Fatal(err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// The narrator.
	backend, err := gemini.New(ctx, gemini.Config{
		APIKey:     cfg.GeminiAPIKey,
		TextModel:  cfg.TextModel,
		ImageModel: cfg.ImageModel,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create narrator backend: %v", err)
	}
	defer backend.Close()

	styles := artstyle.Default()
	eng := engine.NewEngine(backend, engine.WithLogger(logger))
	sessions := registry.New[*session.Session]("session", time.Hour, registry.WithLogger(logger))
	manager := session.NewManager(eng, nil, sessions, session.WithStyles(styles), session.WithLogger(logger))
	turns := engine.NewTurnEngine(eng, manager)

	// The player.
	playerClient, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		log.Fatalf("Failed to create player client: %v", err)
	}
	defer playerClient.Close()
	p := &player{model: playerClient.GenerativeModel(cfg.TextModel)}

	flow := setup.NewFlow(models.Player{Anonymous: true}, eng, styles, logger)

	fmt.Println("--- Step 1: Choosing a world ---")
	world := p.ask(ctx, "Name one well-known novel, film or game whose world you would like to step into. Return ONLY the title.", "Alice's Adventures in Wonderland")
	fmt.Printf("Player chose: %s\n", world)
	if err := flow.SelectWorld(ctx, world); err != nil {
		log.Fatalf("World rejected: %v", err)
	}
	if err := flow.ConfirmWorld(); err != nil {
		log.Fatalf("Failed to confirm world: %v", err)
	}
	state := flow.Snapshot()
	fmt.Printf("%s by %s (%s), art style %s\n\n", state.WorldName, state.World.Author, state.World.Category, state.ArtStyle.Name)

	fmt.Println("--- Step 2: Creating a character ---")
	name := p.ask(ctx, fmt.Sprintf("Invent a name for an original character in %q. Return ONLY the name.", state.WorldName), "Ivy")
	if err := flow.ChooseOriginal(ctx, name); err != nil {
		log.Fatalf("Failed to start questionnaire: %v", err)
	}
	state = flow.Snapshot()
	for i, qa := range state.Profile.Answers {
		if qa.Answer != "" {
			continue
		}
		answer := p.ask(ctx, fmt.Sprintf("You are creating %s, a character in %q. Answer briefly: %s", name, state.WorldName, qa.Question), "I'd rather not say.")
		fmt.Printf("Q: %s\nA: %s\n", qa.Question, answer)
		if err := flow.Answer(i, answer); err != nil {
			log.Fatalf("Failed to answer: %v", err)
		}
	}
	if err := flow.SubmitQuestionnaire(ctx); err != nil {
		log.Fatalf("Failed to submit questionnaire: %v", err)
	}
	state = flow.Snapshot()
	fmt.Printf("Looks like: %s (portrait drawn: %t)\n\n", state.Profile.VisualDescription, state.Portrait != nil)

	fmt.Println("--- Step 3: Picking a starting point ---")
	if err := flow.GenerateStartNodes(ctx); err != nil {
		log.Fatalf("Failed to generate start nodes: %v", err)
	}
	state = flow.Snapshot()
	for i, node := range state.StartNodes {
		fmt.Printf("%d. %s\n", i+1, node)
	}
	if err := flow.SelectStartNode(0); err != nil {
		log.Fatalf("Failed to select start node: %v", err)
	}

	id, turn, err := flow.Begin(ctx, manager)
	if err != nil {
		log.Fatalf("Failed to begin story: %v", err)
	}
	fmt.Printf("\n%s\n", turn.Narrative)

	for i := 1; i <= maxTurns && !turn.Status.Terminal(); i++ {
		fmt.Printf("\n--- Turn %d ---\n", i)
		var options strings.Builder
		for _, c := range turn.Choices {
			fmt.Fprintf(&options, "%s) %s\n", c.ID, c.Text)
		}
		prompt := fmt.Sprintf("You are playing %s in %q.\n\n%s\n\nOptions:\n%s\nReply with A, B or C, or describe a different action in one sentence.",
			name, state.WorldName, turn.Narrative, options.String())
		action := p.ask(ctx, prompt, "A")
		fmt.Printf("Player: %s\n", action)

		turn, err = turns.MakeChoice(ctx, id, action)
		if err != nil {
			fmt.Printf("Error processing turn: %v\n", err)
			break
		}
		fmt.Printf("%s\nStatus: %s\n", turn.Narrative, turn.Status)
	}

	if turn.Status.Terminal() {
		fmt.Printf("\nGame Ended (%s): %s\n%s\n", turn.Status, turn.CharacterLabel, turn.CharacterAnalysis)
	}
	manager.End(id)
}
