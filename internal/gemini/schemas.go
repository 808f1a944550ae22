package gemini

import (
	"github.com/google/generative-ai-go/genai"

	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/schema"
)

func str() *genai.Schema { return &genai.Schema{Type: genai.TypeString} }

func strList() *genai.Schema {
	return &genai.Schema{Type: genai.TypeArray, Items: str()}
}

func object(props map[string]*genai.Schema, required ...string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeObject, Properties: props, Required: required}
}

func optionsSchema() *genai.Schema {
	return object(map[string]*genai.Schema{"A": str(), "B": str(), "C": str()}, "A", "B", "C")
}

// responseSchema is the JSON schema Gemini is asked to follow for kind. The
// schema package still checks every reply.
func responseSchema(kind schema.Kind) *genai.Schema {
	switch kind {
	case schema.KindTurn:
		return object(map[string]*genai.Schema{
			"narration": str(),
			"options":   optionsSchema(),
			"status": {
				Type: genai.TypeString,
				Enum: []string{string(models.StatusContinue), string(models.StatusGameOver), string(models.StatusVictory)},
			},
			"characterLabel":    str(),
			"characterAnalysis": str(),
		}, "narration", "options", "status", "characterLabel", "characterAnalysis")
	case schema.KindOpening:
		return object(map[string]*genai.Schema{
			"scene":   str(),
			"options": optionsSchema(),
		}, "scene", "options")
	case schema.KindWorld:
		return object(map[string]*genai.Schema{
			"isExist":          {Type: genai.TypeBoolean},
			"author":           str(),
			"originalLanguage": str(),
			"abstract":         str(),
			"category":         {Type: genai.TypeString, Enum: models.WorldCategories},
		}, "isExist")
	case schema.KindCharacter:
		return object(map[string]*genai.Schema{
			"isExist": {Type: genai.TypeBoolean},
			"basicInfo": object(map[string]*genai.Schema{
				"canonicalName": str(),
				"aliases":       strList(),
			}),
			"features": object(map[string]*genai.Schema{
				"occupations":       strList(),
				"affiliations":      strList(),
				"coreRelationships": strList(),
			}),
			"appearance": str(),
		}, "isExist")
	case schema.KindQuestions:
		return object(map[string]*genai.Schema{"questions": strList()}, "questions")
	case schema.KindVisual:
		return object(map[string]*genai.Schema{"visualDescription": str()}, "visualDescription")
	case schema.KindPlotNodes:
		return object(map[string]*genai.Schema{"nodes": strList()}, "nodes")
	default:
		return nil
	}
}
