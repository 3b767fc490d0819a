package prompt

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AnswersFile serves prompts from a YAML document:
//
//	accept_legal: true
//	answers:
//	  DB_HOST: db.internal
//	  DB_PASSWORD: s3cret
//	  ENABLE_CACHE: yes
type AnswersFile struct {
	AcceptLegal bool              `yaml:"accept_legal"`
	Answers     map[string]string `yaml:"answers"`
}

// LoadAnswers reads an answers file. Unknown top-level keys are rejected.
func LoadAnswers(path string) (*AnswersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read answers file: %w", err)
	}
	var af AnswersFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&af); err != nil {
		return nil, fmt.Errorf("failed to parse answers file %s: %w", path, err)
	}
	if af.Answers == nil {
		af.Answers = map[string]string{}
	}
	return &af, nil
}

func (a *AnswersFile) ShowLegal(_ context.Context, _ string, requireAccept bool) (bool, error) {
	return !requireAccept || a.AcceptLegal, nil
}

func (a *AnswersFile) lookup(name string) (string, error) {
	v, ok := a.Answers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAnswer, name)
	}
	return v, nil
}

func (a *AnswersFile) Text(_ context.Context, name, _ string) (string, error) {
	return a.lookup(name)
}

func (a *AnswersFile) Password(_ context.Context, name, _ string) (string, error) {
	return a.lookup(name)
}

// Confirm treats a missing boolean answer as no.
func (a *AnswersFile) Confirm(_ context.Context, name, _ string) (bool, error) {
	v, ok := a.Answers[name]
	if !ok {
		return false, nil
	}
	b, err := parseBool(v)
	if err != nil {
		return false, fmt.Errorf("answer for %s: %w", name, err)
	}
	return b, nil
}
