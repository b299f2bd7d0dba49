// Package history retrieves the complete message history of a dialog and
// filters it.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leonletto/tghistory/internal/types"
)

// DefaultPageSize is the number of messages requested per page.
const DefaultPageSize = 100

// ErrTooManyPages is returned when Options.MaxPages is exceeded.
var ErrTooManyPages = errors.New("history exceeds page limit")

// PageFetcher is the subset of the backend the paginator needs.
type PageFetcher interface {
	FetchHistoryPage(ctx context.Context, dialogID types.ID, limit, offset int) (types.PageResult, error)
}

// History is a dialog's messages, oldest first.
type History []types.Message

// Options controls FetchFullHistory.
type Options struct {
	// PageSize defaults to DefaultPageSize.
	PageSize int
	// MaxPages stops pagination with ErrTooManyPages after this many pages.
	// Zero means unbounded.
	MaxPages int
	// Pacer is waited on before every page request. Nil means no delay.
	Pacer Pacer
	// Progress, if set, is called after each page with the page number
	// (1-based) and the number of messages accumulated so far.
	Progress func(page, total int)
	Logger   *slog.Logger
}

// FetchFullHistory pages through the dialog from offset 0 until the backend
// reports the end of the history, and returns all messages oldest first.
//
// Pages arrive newest-first and later offsets hold older messages, so every
// page is reversed and prepended. Messages whose id was already seen are
// dropped.
func FetchFullHistory(ctx context.Context, backend PageFetcher, dialogID types.ID, opts Options) (History, error) {
	limit := opts.PageSize
	if limit <= 0 {
		limit = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// pages[i] holds page i in oldest-first order.
	var pages [][]types.Message
	seen := make(map[types.ID]struct{})
	total := 0

	for page := 0; ; page++ {
		if opts.MaxPages > 0 && page >= opts.MaxPages {
			return nil, fmt.Errorf("%w: stopped after %d pages of dialog %s", ErrTooManyPages, page, dialogID)
		}

		if opts.Pacer != nil {
			if err := opts.Pacer.Wait(ctx); err != nil {
				return nil, err
			}
		}

		offset := page * limit
		res, err := backend.FetchHistoryPage(ctx, dialogID, limit, offset)
		if err != nil {
			return nil, fmt.Errorf("fetch history page at offset %d: %w", offset, err)
		}
		if res.End {
			logger.Debug("history exhausted", "dialog", dialogID, "pages", page, "messages", total)
			break
		}

		chunk := make([]types.Message, 0, len(res.Messages))
		for i := len(res.Messages) - 1; i >= 0; i-- {
			chunk = append(chunk, res.Messages[i])
		}
		pages = append(pages, chunk)
		total += len(chunk)

		if opts.Progress != nil {
			opts.Progress(page+1, total)
		}
	}

	// Oldest page first. Deduplicate in chronological order so the first
	// occurrence wins.
	history := make(History, 0, total)
	for i := len(pages) - 1; i >= 0; i-- {
		for _, msg := range pages[i] {
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			seen[msg.ID] = struct{}{}
			history = append(history, msg)
		}
	}

	if dropped := total - len(history); dropped > 0 {
		logger.Warn("dropped duplicate messages from overlapping pages", "dialog", dialogID, "dropped", dropped)
	}
	return history, nil
}
