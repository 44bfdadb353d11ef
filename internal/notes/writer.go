package notes

import (
	"context"
	"fmt"

	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/analysis"
)

// Writer appends analysis results to daily notes. Not safe for concurrent
// writes to the same path; the scheduler serializes cycles, which covers it.
type Writer struct {
	vault Vault
}

func NewWriter(vault Vault) *Writer {
	return &Writer{vault: vault}
}

// Write materializes the result into the note at path. A missing note is
// created with the rendered block; an existing note gets the block appended
// after its current content, behind a separator. Existing bytes are never
// rewritten, only extended, and the underlying vault write is atomic, so a
// cancelled or crashed write leaves either the old note or the new one.
func (w *Writer) Write(ctx context.Context, result *analysis.Result, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write aborted: %w", err)
	}

	rendered := Render(result)

	exists, err := w.vault.Exists(path)
	if err != nil {
		return fmt.Errorf("check note: %w", err)
	}
	if !exists {
		if err := w.vault.Create(path, rendered); err != nil {
			return fmt.Errorf("create note: %w", err)
		}
		return nil
	}

	existing, err := w.vault.Read(path)
	if err != nil {
		return fmt.Errorf("read note: %w", err)
	}

	content := rendered
	if existing != "" {
		content = existing + Separator + rendered
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write aborted: %w", err)
	}
	if err := w.vault.Modify(path, content); err != nil {
		return fmt.Errorf("append note: %w", err)
	}
	return nil
}
