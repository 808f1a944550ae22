package models

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SavedGame is the exported form of a game record and its transcript.
type SavedGame struct {
	Record     GameRecord `yaml:"record"`
	Transcript Transcript `yaml:"transcript"`
	Current    Turn       `yaml:"current"`
}

// Save writes the game as YAML to path, creating parent directories.
func (g *SavedGame) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(g)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadSavedGame reads a game previously written by Save.
func LoadSavedGame(path string) (*SavedGame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var g SavedGame
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListSavedGames returns the YAML exports found in dir.
func ListSavedGames(dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []string{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var games []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext == ".yaml" || ext == ".yml" {
			games = append(games, entry.Name())
		}
	}
	return games, nil
}
