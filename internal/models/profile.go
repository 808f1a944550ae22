package models

import (
	"fmt"
	"strings"
)

// MandatoryQuestions open every original-character questionnaire, in this order.
var MandatoryQuestions = []string{"Name", "Age", "Gender", "Physical Description/Appearance"}

// ClosingQuestions end every original-character questionnaire, in this order.
var ClosingQuestions = []string{"Relationship to Canon Characters", "Additional Notes"}

// QA is one answered questionnaire entry.
type QA struct {
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

// Profile describes the character the player controls.
type Profile struct {
	Mode              CharacterMode  `yaml:"mode"`
	World             string         `yaml:"world"`
	Name              string         `yaml:"name"`
	Answers           []QA           `yaml:"answers,omitempty"`
	Canon             *CharacterInfo `yaml:"-"`
	VisualDescription string         `yaml:"visual_description"`
}

// MissingMandatory returns the mandatory questions that have no answer.
func (p Profile) MissingMandatory() []string {
	var missing []string
	for i, q := range MandatoryQuestions {
		if i >= len(p.Answers) || p.Answers[i].Question != q || strings.TrimSpace(p.Answers[i].Answer) == "" {
			missing = append(missing, q)
		}
	}
	return missing
}

// Compile renders the profile as the text handed to the narrator.
func (p Profile) Compile() string {
	var b strings.Builder
	if p.Mode == ModeCanon {
		fmt.Fprintf(&b, "Character Name: %s\n", p.Name)
		fmt.Fprintf(&b, "Source Work: %s\n", p.World)
		b.WriteString("Character Type: Canon Character\n\n")
		b.WriteString("Character Description:\n")
		fmt.Fprintf(&b, "%s is a canon character from %s, possessing a unique personality and background story.", p.Name, p.World)
		if p.Canon != nil {
			if len(p.Canon.Features.Occupations) > 0 {
				fmt.Fprintf(&b, "\nOccupations: %s", strings.Join(p.Canon.Features.Occupations, ", "))
			}
			if len(p.Canon.Features.Affiliations) > 0 {
				fmt.Fprintf(&b, "\nAffiliations: %s", strings.Join(p.Canon.Features.Affiliations, ", "))
			}
			if len(p.Canon.Features.CoreRelationships) > 0 {
				fmt.Fprintf(&b, "\nCore Relationships: %s", strings.Join(p.Canon.Features.CoreRelationships, "; "))
			}
		}
		if appearance := strings.TrimSpace(p.VisualDescription); appearance != "" {
			fmt.Fprintf(&b, "\n\nAppearance: %s", appearance)
		}
		return b.String()
	}

	for _, qa := range p.Answers {
		answer := strings.TrimSpace(qa.Answer)
		if answer == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", qa.Question, answer)
	}
	return strings.TrimRight(b.String(), "\n")
}
