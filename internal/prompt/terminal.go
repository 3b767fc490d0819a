package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// Terminal prompts on the controlling terminal with huh forms.
type Terminal struct {
	in  io.Reader
	out io.Writer
}

// NewTerminal returns a Terminal bound to stdin and stdout, or
// ErrNotTerminal when stdin is redirected.
func NewTerminal() (*Terminal, error) {
	fd := os.Stdin.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return nil, ErrNotTerminal
	}
	return &Terminal{in: os.Stdin, out: os.Stdout}, nil
}

func (t *Terminal) run(ctx context.Context, fields ...huh.Field) error {
	form := huh.NewForm(huh.NewGroup(fields...)).
		WithInput(t.in).
		WithOutput(t.out)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return fmt.Errorf("prompt aborted: %w", context.Canceled)
		}
		return err
	}
	return nil
}

func (t *Terminal) ShowLegal(ctx context.Context, text string, requireAccept bool) (bool, error) {
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, text)
	if !requireAccept {
		return true, nil
	}
	var answer string
	err := t.run(ctx, huh.NewInput().
		Title("Type "+AcceptWord+" to accept the legal terms").
		Value(&answer))
	if err != nil {
		return false, err
	}
	return answer == AcceptWord, nil
}

func (t *Terminal) Text(ctx context.Context, name, prompt string) (string, error) {
	var v string
	err := t.run(ctx, huh.NewInput().
		Title(name).
		Description(prompt).
		Value(&v))
	return v, err
}

// Password asks twice with echo off and repeats until both entries match.
func (t *Terminal) Password(ctx context.Context, name, prompt string) (string, error) {
	var first, second string
	err := t.run(ctx,
		huh.NewInput().
			Title(name+" (password)").
			Description(prompt).
			EchoMode(huh.EchoModePassword).
			Value(&first),
		huh.NewInput().
			Title("Retype password").
			EchoMode(huh.EchoModePassword).
			Value(&second).
			Validate(func(s string) error {
				if s != first {
					return errors.New("passwords do not match")
				}
				return nil
			}),
	)
	return first, err
}

func (t *Terminal) Confirm(ctx context.Context, name, prompt string) (bool, error) {
	var v bool
	err := t.run(ctx, huh.NewConfirm().
		Title(name).
		Description(prompt).
		Affirmative("Yes").
		Negative("No").
		Value(&v))
	return v, err
}
