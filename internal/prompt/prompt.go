// Package prompt asks the operator for what an install needs: acceptance
// of a patch's legal notice and values for its input variables.
//
// Terminal prompts interactively, AnswersFile replays a YAML file for
// unattended installs and Static serves a fixed map.
package prompt

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrNoAnswer is returned when a non-interactive prompter has no value
	// for a variable.
	ErrNoAnswer = errors.New("no answer for input variable")

	// ErrNotTerminal is returned by NewTerminal when stdin is not a TTY.
	ErrNotTerminal = errors.New("stdin is not a terminal")
)

// Prompter collects operator input.
type Prompter interface {
	// ShowLegal displays text. When requireAccept is set, the result is
	// true only if the operator typed YES.
	ShowLegal(ctx context.Context, text string, requireAccept bool) (bool, error)
	Text(ctx context.Context, name, prompt string) (string, error)
	Password(ctx context.Context, name, prompt string) (string, error)
	Confirm(ctx context.Context, name, prompt string) (bool, error)
}

// AcceptWord is what the operator must type to accept a legal notice.
const AcceptWord = "YES"

// parseBool accepts the forms operators write in answers files.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(s))
}
