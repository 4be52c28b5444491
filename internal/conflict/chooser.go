package conflict

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"
)

// PolicyChooser always makes the same choice.
type PolicyChooser struct {
	Choice Choice
}

// Choose implements Chooser.
func (p PolicyChooser) Choose(ctx context.Context, _ Candidate) (Choice, error) {
	if err := ctx.Err(); err != nil {
		return KeepFile, fmt.Errorf("%w: %v", ErrViewUnloaded, err)
	}
	return p.Choice, nil
}

// PromptChooser asks on the terminal.
type PromptChooser struct {
	Input  io.Reader
	Output io.Writer
}

// Choose implements Chooser.
func (p PromptChooser) Choose(ctx context.Context, c Candidate) (Choice, error) {
	name := c.Path
	if name == "" {
		name = c.UUID
	}

	choice := KeepFile
	sel := huh.NewSelect[Choice]().
		Title(fmt.Sprintf("%s has a different copy in the sidecar", name)).
		Description(fmt.Sprintf("file: %d records, sidecar: %d records (saved %s)",
			len(c.File.Store), len(c.Sidecar.Store), c.SidecarUpdated.Local().Format("2006-01-02 15:04"))).
		Options(
			huh.NewOption("Keep the file", KeepFile),
			huh.NewOption("Use the sidecar copy", KeepSidecar),
		).
		Value(&choice)

	form := huh.NewForm(huh.NewGroup(sel))
	if p.Input != nil {
		form = form.WithInput(p.Input)
	}
	if p.Output != nil {
		form = form.WithOutput(p.Output)
	}

	if err := form.RunWithContext(ctx); err != nil {
		switch {
		case ctx.Err() != nil:
			return KeepFile, fmt.Errorf("%w: %v", ErrViewUnloaded, ctx.Err())
		case errors.Is(err, huh.ErrUserAborted):
			return KeepFile, fmt.Errorf("%w for %s", ErrResolveCanceled, name)
		default:
			return KeepFile, fmt.Errorf("failed to ask about %s: %w", name, err)
		}
	}
	return choice, nil
}
