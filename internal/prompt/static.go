package prompt

import (
	"context"
	"fmt"
)

var (
	_ Prompter = (*Static)(nil)
	_ Prompter = (*AnswersFile)(nil)
	_ Prompter = (*Terminal)(nil)
)

// Static answers from a map and records what it was asked.
type Static struct {
	Answers     map[string]string
	AcceptLegal bool

	Legal []string
	Asked []string
}

func (s *Static) ShowLegal(_ context.Context, text string, requireAccept bool) (bool, error) {
	s.Legal = append(s.Legal, text)
	return !requireAccept || s.AcceptLegal, nil
}

func (s *Static) Text(_ context.Context, name, _ string) (string, error) {
	s.Asked = append(s.Asked, name)
	v, ok := s.Answers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAnswer, name)
	}
	return v, nil
}

func (s *Static) Password(ctx context.Context, name, prompt string) (string, error) {
	return s.Text(ctx, name, prompt)
}

func (s *Static) Confirm(_ context.Context, name, _ string) (bool, error) {
	s.Asked = append(s.Asked, name)
	v, ok := s.Answers[name]
	if !ok {
		return false, nil
	}
	return parseBool(v)
}
