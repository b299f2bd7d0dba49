// Package session implements the user-facing actions: saving a dialog's
// history, saving only the user's own messages, and deleting them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/leonletto/tghistory/internal/export"
	"github.com/leonletto/tghistory/internal/history"
	"github.com/leonletto/tghistory/internal/types"
)

// Backend is the subset of the telegram-cli client the actions need.
type Backend interface {
	history.PageFetcher
	ListDialogs(ctx context.Context, maxCount int) ([]types.Dialog, error)
	WhoAmI(ctx context.Context) (types.User, error)
	DeleteMessage(ctx context.Context, id types.ID, scope types.DeleteScope) error
}

// UI is the interactive surface: dialog selection, confirmation, text output
// and progress marks.
type UI interface {
	SelectDialog(dialogs []types.Dialog) (types.Dialog, error)
	Confirm(question string) (bool, error)
	Printf(format string, args ...any)
	PageFetched(page, total int)
	MessageExamined(matched bool)
	MessageDeleted(err error)
}

// Sink persists a message sequence under dir/name and returns the path.
type Sink interface {
	Write(dir, name string, msgs []types.Message) (string, error)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(dir, name string, msgs []types.Message) (string, error)

// Write calls f.
func (f SinkFunc) Write(dir, name string, msgs []types.Message) (string, error) {
	return f(dir, name, msgs)
}

// Journal records delete runs. It may be nil.
type Journal interface {
	BeginRun(ctx context.Context, dialog types.Dialog, user types.User, policy string, planned int) (string, error)
	Record(ctx context.Context, runID string, messageID types.ID, reqErr error) error
	FinishRun(ctx context.Context, runID string) error
}

// Config carries everything the actions need to know about the run.
type Config struct {
	SavePath     string
	DialogLimit  int
	PageSize     int
	MaxPages     int
	RequestDelay time.Duration
	DeletePolicy types.DeletePolicy
	// DeleteRate is the maximum number of delete requests per second.
	// Zero disables throttling.
	DeleteRate float64
}

// State is how an action ended.
type State int

const (
	StateDone State = iota
	StateCancelled
)

func (s State) String() string {
	if s == StateCancelled {
		return "cancelled"
	}
	return "done"
}

// Outcome summarizes a finished action.
type Outcome struct {
	State    State
	Dialog   types.Dialog
	Messages int // messages fetched
	Selected int // messages left after filtering
	File     string
	Deleted  int
	Failed   int
	Skipped  int
}

// DeleteError reports a delete run that did not remove every message.
type DeleteError struct {
	Deleted int
	Failed  int
	Skipped int
	Err     error // first failure
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("deleted %d, failed %d, skipped %d: %v", e.Deleted, e.Failed, e.Skipped, e.Err)
}

func (e *DeleteError) Unwrap() error {
	return e.Err
}

// Orchestrator runs the actions against its collaborators.
type Orchestrator struct {
	cfg     Config
	backend Backend
	ui      UI
	sink    Sink
	journal Journal
	logger  *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink replaces the default JSON file sink.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithJournal records delete runs in j.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an Orchestrator.
func New(cfg Config, backend Backend, ui UI, opts ...Option) *Orchestrator {
	if cfg.DeletePolicy == "" {
		cfg.DeletePolicy = types.DeleteAbort
	}
	o := &Orchestrator{
		cfg:     cfg,
		backend: backend,
		ui:      ui,
		sink:    SinkFunc(export.WriteJSON),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the configuration the orchestrator was built with.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// SaveFull writes the complete history of a selected dialog to
// <save_path>/<name>.json.
func (o *Orchestrator) SaveFull(ctx context.Context) (Outcome, error) {
	dialog, h, err := o.fetch(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Dialog: dialog, Messages: len(h), Selected: len(h)}

	path, err := o.save(dialog, export.SuffixFull, h)
	if err != nil {
		return out, err
	}
	out.File = path
	return out, nil
}

// SaveOwn writes only the messages sent by the logged-in user to
// <save_path>/<name>_own.json.
func (o *Orchestrator) SaveOwn(ctx context.Context) (Outcome, error) {
	dialog, h, err := o.fetch(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Dialog: dialog, Messages: len(h)}

	_, own, err := o.own(ctx, h)
	if err != nil {
		return out, err
	}
	out.Selected = len(own)

	path, err := o.save(dialog, export.SuffixOwn, own)
	if err != nil {
		return out, err
	}
	out.File = path
	return out, nil
}

// DeleteOwn deletes, for everyone, every message the logged-in user sent in
// a selected dialog. Nothing is deleted unless the user confirms.
func (o *Orchestrator) DeleteOwn(ctx context.Context) (Outcome, error) {
	dialog, h, err := o.fetch(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Dialog: dialog, Messages: len(h)}

	user, own, err := o.own(ctx, h)
	if err != nil {
		return out, err
	}
	out.Selected = len(own)

	o.ui.Printf("The %s you have sent to %s (%s) will be deleted\n",
		countOf(len(own), "message"), dialog.DisplayName, dialog.ID)
	ok, err := o.ui.Confirm("")
	if err != nil {
		return out, err
	}
	if !ok {
		o.ui.Printf("Cancelled\n")
		out.State = StateCancelled
		return out, nil
	}

	o.ui.Printf("Deleting messages\n")
	runID := o.beginRun(ctx, dialog, user, len(own))
	deleted, failed, firstErr := o.deleteAll(ctx, runID, own)
	o.finishRun(ctx, runID)

	out.Deleted = deleted
	out.Failed = failed
	out.Skipped = len(own) - deleted - failed
	o.ui.Printf("Deleted %s, %d failed, %d skipped\n",
		countOf(out.Deleted, "message"), out.Failed, out.Skipped)

	if firstErr != nil {
		return out, &DeleteError{Deleted: out.Deleted, Failed: out.Failed, Skipped: out.Skipped, Err: firstErr}
	}
	return out, nil
}

// fetch lets the user pick a dialog and downloads its complete history.
func (o *Orchestrator) fetch(ctx context.Context) (types.Dialog, history.History, error) {
	dialogs, err := o.backend.ListDialogs(ctx, o.cfg.DialogLimit)
	if err != nil {
		return types.Dialog{}, nil, fmt.Errorf("list dialogs: %w", err)
	}

	dialog, err := o.ui.SelectDialog(dialogs)
	if err != nil {
		return types.Dialog{}, nil, err
	}

	o.ui.Printf("Downloading messages...\n")
	h, err := history.FetchFullHistory(ctx, o.backend, dialog.ID, history.Options{
		PageSize: o.cfg.PageSize,
		MaxPages: o.cfg.MaxPages,
		Pacer:    history.FixedDelay(o.cfg.RequestDelay),
		Progress: o.ui.PageFetched,
		Logger:   o.logger,
	})
	if err != nil {
		return dialog, nil, fmt.Errorf("fetch history of %s: %w", dialog.DisplayName, err)
	}

	o.ui.Printf("%d messages found in selected dialog\n", len(h))
	return dialog, h, nil
}

// own filters h down to the messages sent by the logged-in user.
func (o *Orchestrator) own(ctx context.Context, h history.History) (types.User, history.History, error) {
	user, err := o.backend.WhoAmI(ctx)
	if err != nil {
		return types.User{}, nil, fmt.Errorf("identify user: %w", err)
	}

	o.ui.Printf("Filtering messages for user %s...\n", displayUser(user))
	own := history.FilterBySenderFunc(h, user, o.ui.MessageExamined)
	o.ui.Printf("%s sent by you\n", countOf(len(own), "message"))
	return user, own, nil
}

func (o *Orchestrator) save(dialog types.Dialog, suffix string, msgs []types.Message) (string, error) {
	name := export.FileName(dialog.DisplayName, suffix)
	o.ui.Printf("Writing to %s\n", name)
	path, err := o.sink.Write(o.cfg.SavePath, name, msgs)
	if err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	o.logger.Info("history saved", "dialog", dialog.ID, "path", path, "messages", len(msgs))
	o.ui.Printf("Done!\n")
	return path, nil
}

// deleteAll issues one delete per message, in order. Under the abort policy
// it stops at the first failure. A cancelled context stops it under either
// policy.
func (o *Orchestrator) deleteAll(ctx context.Context, runID string, msgs []types.Message) (deleted, failed int, firstErr error) {
	var limiter *rate.Limiter
	if o.cfg.DeleteRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.cfg.DeleteRate), 1)
	}

	for _, m := range msgs {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return deleted, failed, firstNonNil(firstErr, err)
			}
		} else if err := ctx.Err(); err != nil {
			return deleted, failed, firstNonNil(firstErr, err)
		}

		err := o.backend.DeleteMessage(ctx, m.ID, types.ScopeForEveryone)
		o.ui.MessageDeleted(err)
		o.record(ctx, runID, m.ID, err)

		if err == nil {
			deleted++
			continue
		}

		failed++
		firstErr = firstNonNil(firstErr, fmt.Errorf("delete message %s: %w", m.ID, err))
		o.logger.Warn("delete failed", "message", m.ID, "error", err)
		if o.cfg.DeletePolicy == types.DeleteAbort || errors.Is(err, context.Canceled) {
			return deleted, failed, firstErr
		}
	}
	return deleted, failed, firstErr
}

// Journal writes outlive the action's context so an interrupted run is
// still recorded.

func (o *Orchestrator) beginRun(ctx context.Context, dialog types.Dialog, user types.User, planned int) string {
	if o.journal == nil {
		return ""
	}
	id, err := o.journal.BeginRun(context.WithoutCancel(ctx), dialog, user, string(o.cfg.DeletePolicy), planned)
	if err != nil {
		o.logger.Warn("journal: begin run", "error", err)
		return ""
	}
	return id
}

func (o *Orchestrator) record(ctx context.Context, runID string, id types.ID, reqErr error) {
	if o.journal == nil || runID == "" {
		return
	}
	if err := o.journal.Record(context.WithoutCancel(ctx), runID, id, reqErr); err != nil {
		o.logger.Warn("journal: record", "run", runID, "message", id, "error", err)
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, runID string) {
	if o.journal == nil || runID == "" {
		return
	}
	if err := o.journal.FinishRun(context.WithoutCancel(ctx), runID); err != nil {
		o.logger.Warn("journal: finish run", "run", runID, "error", err)
	}
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// countOf renders n with its noun: "1 message", "3 messages".
func countOf(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}

func displayUser(u types.User) string {
	if u.Username != "" {
		return u.Username
	}
	return u.ID.String()
}
