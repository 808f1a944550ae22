// Package engine turns story state into prompts, sends them to a generative
// backend through the retry policy and validates what comes back.
package engine

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/tatianab/storyforge/internal/gameerr"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/retry"
	"github.com/tatianab/storyforge/internal/schema"
	"github.com/tatianab/storyforge/internal/session"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.New("prompts").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(promptFS, "prompts/*.tmpl"))

// Message roles understood by Backend.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is one turn of conversation history sent to the backend.
type Message struct {
	Role string
	Text string
}

// Request is a structured generation request.
type Request struct {
	Kind        schema.Kind
	System      string
	History     []Message
	Prompt      string
	Temperature *float32
}

// Backend is the generative content service.
type Backend interface {
	// GenerateStructured returns the raw JSON reply for req.
	GenerateStructured(ctx context.Context, req Request) ([]byte, error)
	// GenerateImage returns a picture for prompt, or nil if none was produced.
	GenerateImage(ctx context.Context, prompt string) (*models.Image, error)
}

// WorldCache stores validated world lore.
type WorldCache interface {
	FindWorld(ctx context.Context, name string) (models.WorldInfo, bool, error)
	SaveWorld(ctx context.Context, name string, info models.WorldInfo) error
}

// Engine implements every generation step of the game.
type Engine struct {
	backend Backend
	policy  retry.Policy
	worlds  WorldCache
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithWorldCache consults and fills c on world validation.
func WithWorldCache(c WorldCache) Option {
	return func(e *Engine) { e.worlds = c }
}

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine on top of backend.
func NewEngine(backend Backend, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		policy:  retry.Default(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.Logger == nil {
		e.policy.Logger = e.logger
	}
	return e
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// generate runs req through the retry policy, decoding and checking the reply on
// every attempt. Exhaustion is reported as BACKEND_UNAVAILABLE.
func generate[T any](ctx context.Context, e *Engine, req Request, check func(T) error) (T, error) {
	name := string(req.Kind)
	v, err := retry.Do(ctx, e.policy, name, func(ctx context.Context) (T, error) {
		raw, err := e.backend.GenerateStructured(ctx, req)
		if err != nil {
			var zero T
			return zero, err
		}
		return schema.Decode(raw, check)
	})
	if err != nil {
		return v, gameerr.Wrap(gameerr.CodeBackendUnavailable, err, "generate %s", name)
	}
	return v, nil
}

// image renders an image prompt and degrades every failure to nil.
func (e *Engine) image(ctx context.Context, tmpl string, data any) *models.Image {
	prompt, err := render(tmpl, data)
	if err != nil {
		e.logger.Warn("Image prompt failed", zap.String("template", tmpl), zap.Error(err))
		return nil
	}
	img, err := retry.Do(ctx, e.policy, "image", func(ctx context.Context) (*models.Image, error) {
		img, err := e.backend.GenerateImage(ctx, prompt)
		if err == nil && (img == nil || len(img.Data) == 0) {
			err = fmt.Errorf("backend returned no image")
		}
		return img, err
	})
	if err != nil {
		e.logger.Warn("Image generation failed, continuing without image", zap.Error(err))
		return nil
	}
	return img
}

// ValidateWorld asks whether name is an existing work of fiction.
func (e *Engine) ValidateWorld(ctx context.Context, name string) (models.WorldInfo, error) {
	if e.worlds != nil {
		info, ok, err := e.worlds.FindWorld(ctx, name)
		if err != nil {
			e.logger.Warn("World cache lookup failed", zap.String("world", name), zap.Error(err))
		} else if ok {
			e.logger.Debug("World cache hit", zap.String("world", name))
			return info, nil
		}
	}

	prompt, err := render("world.tmpl", struct {
		Name       string
		Categories []string
	}{name, models.WorldCategories})
	if err != nil {
		return models.WorldInfo{}, err
	}
	info, err := generate(ctx, e, Request{Kind: schema.KindWorld, Prompt: prompt}, schema.World)
	if err != nil {
		return models.WorldInfo{}, err
	}

	if info.Exists && e.worlds != nil {
		if err := e.worlds.SaveWorld(ctx, name, info); err != nil {
			e.logger.Warn("Failed to cache world", zap.String("world", name), zap.Error(err))
		}
	}
	return info, nil
}

// ValidateCharacter asks whether name is a character of world.
func (e *Engine) ValidateCharacter(ctx context.Context, world, name string) (models.CharacterInfo, error) {
	prompt, err := render("character.tmpl", struct{ World, Name string }{world, name})
	if err != nil {
		return models.CharacterInfo{}, err
	}
	return generate(ctx, e, Request{Kind: schema.KindCharacter, Prompt: prompt}, schema.Character)
}

// GenerateQuestions writes the original-character questionnaire for world.
func (e *Engine) GenerateQuestions(ctx context.Context, world string) ([]string, error) {
	prompt, err := render("questions.tmpl", struct {
		World     string
		Mandatory []string
		Closing   []string
	}{world, models.MandatoryQuestions, models.ClosingQuestions})
	if err != nil {
		return nil, err
	}
	p, err := generate(ctx, e, Request{Kind: schema.KindQuestions, Prompt: prompt}, schema.Questions)
	if err != nil {
		return nil, err
	}
	return p.Questions, nil
}

// DescribeCharacter derives a visual description from a compiled profile.
func (e *Engine) DescribeCharacter(ctx context.Context, world, profile string) (string, error) {
	prompt, err := render("visual.tmpl", struct{ World, Profile string }{world, profile})
	if err != nil {
		return "", err
	}
	p, err := generate(ctx, e, Request{Kind: schema.KindVisual, Prompt: prompt}, schema.VisualDescription)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(p.VisualDescription), nil
}

// PlotRequest identifies a set of starting-point candidates.
type PlotRequest struct {
	World     string
	Character string
	Mode      models.CharacterMode
	Profile   string
}

// GeneratePlotNodes lists candidate starting points for a story.
func (e *Engine) GeneratePlotNodes(ctx context.Context, req PlotRequest) ([]string, error) {
	prompt, err := render("plot_nodes.tmpl", req)
	if err != nil {
		return nil, err
	}
	p, err := generate(ctx, e, Request{Kind: schema.KindPlotNodes, Prompt: prompt}, schema.PlotNodes)
	if err != nil {
		return nil, err
	}
	return p.Nodes, nil
}

// GeneratePortrait draws a character. It returns nil when no image could be made.
func (e *Engine) GeneratePortrait(ctx context.Context, world, visualDescription string, style models.ArtStyle) *models.Image {
	return e.image(ctx, "portrait.tmpl", struct {
		World             string
		VisualDescription string
		Style             string
	}{world, visualDescription, style.Prompt})
}

type turnContext struct {
	World             string
	Character         string
	Mode              models.CharacterMode
	Profile           string
	VisualDescription string
}

func (e *Engine) systemRules(tc turnContext) (string, error) {
	return render("system_turn.tmpl", tc)
}

// OpeningScene writes the first turn of a new session.
func (e *Engine) OpeningScene(ctx context.Context, req session.OpeningRequest) (models.Turn, error) {
	system, err := e.systemRules(turnContext{
		World:             req.World,
		Character:         req.Character,
		Mode:              req.Mode,
		Profile:           req.Profile,
		VisualDescription: req.VisualDescription,
	})
	if err != nil {
		return models.Turn{}, err
	}
	prompt, err := render("opening.tmpl", struct {
		session.OpeningRequest
		Preamble string
	}{req, models.Preamble(req.World, req.Character, req.StartingNode)})
	if err != nil {
		return models.Turn{}, err
	}

	p, err := generate(ctx, e, Request{Kind: schema.KindOpening, System: system, Prompt: prompt}, schema.Opening)
	if err != nil {
		return models.Turn{}, err
	}
	return p.Turn(), nil
}
