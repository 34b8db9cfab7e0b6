package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Game is a tracked save folder. Name is the key of the games mapping.
type Game struct {
	Name     string `yaml:"-"`
	SaveDir  string `yaml:"save_dir"`
	Checksum string `yaml:"checksum,omitempty"`
}

// Games keeps tracked games in the order they appear in the config file.
type Games []Game

// UnmarshalYAML decodes the games mapping without losing key order
func (g *Games) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*g = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: games must be a mapping of name to settings", node.Line)
	}

	out := make(Games, 0, len(node.Content)/2)
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]

		var name string
		if err := keyNode.Decode(&name); err != nil {
			return fmt.Errorf("line %d: invalid game name: %w", keyNode.Line, err)
		}
		if seen[name] {
			return fmt.Errorf("line %d: duplicate game %q", keyNode.Line, name)
		}
		seen[name] = true

		var game Game
		if err := valueNode.Decode(&game); err != nil {
			return fmt.Errorf("line %d: invalid settings for game %q: %w", valueNode.Line, name, err)
		}
		game.Name = name
		out = append(out, game)
	}

	*g = out
	return nil
}

// MarshalYAML encodes games back into an ordered mapping
func (g Games) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, game := range g {
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: game.Name}
		value := &yaml.Node{}
		if err := value.Encode(game); err != nil {
			return nil, fmt.Errorf("failed to encode game %q: %w", game.Name, err)
		}
		node.Content = append(node.Content, key, value)
	}
	return node, nil
}

// Find returns the game with the given name
func (g Games) Find(name string) (Game, bool) {
	if idx := g.index(name); idx >= 0 {
		return g[idx], true
	}
	return Game{}, false
}

// Names lists game names in configuration order
func (g Games) Names() []string {
	names := make([]string, 0, len(g))
	for _, game := range g {
		names = append(names, game.Name)
	}
	return names
}

func (g Games) index(name string) int {
	for i, game := range g {
		if game.Name == name {
			return i
		}
	}
	return -1
}
