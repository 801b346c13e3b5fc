package chat

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed examples.yaml
var defaultExamplesYAML []byte

type ExampleCategory struct {
	Category  string   `yaml:"category" json:"category"`
	Questions []string `yaml:"questions" json:"questions"`
}

type examplesFile struct {
	Categories []ExampleCategory `yaml:"categories"`
}

// LoadExamples reads the example-question catalogue from path, or the built-in one when path is empty.
func LoadExamples(path string) ([]ExampleCategory, error) {
	data := defaultExamplesYAML
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read examples file: %w", err)
		}
		data = raw
	}
	return ParseExamples(data)
}

func ParseExamples(data []byte) ([]ExampleCategory, error) {
	var file examplesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode examples: %w", err)
	}
	categories := make([]ExampleCategory, 0, len(file.Categories))
	for _, category := range file.Categories {
		name := strings.TrimSpace(category.Category)
		if name == "" {
			return nil, fmt.Errorf("example category name is required")
		}
		questions := make([]string, 0, len(category.Questions))
		for _, question := range category.Questions {
			if question = strings.TrimSpace(question); question != "" {
				questions = append(questions, question)
			}
		}
		if len(questions) == 0 {
			return nil, fmt.Errorf("example category %q has no questions", name)
		}
		categories = append(categories, ExampleCategory{Category: name, Questions: questions})
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("no example categories defined")
	}
	return categories, nil
}
