package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/leonletto/tghistory/internal/types"
)

// dialogNameWidth is how many columns of a dialog name the menu shows.
const dialogNameWidth = 48

// UI is the interactive terminal front end.
type UI struct {
	in          readLiner
	out         io.Writer
	interactive bool
	logger      *slog.Logger

	// progressOpen is true while a line of progress marks is being printed.
	progressOpen bool
}

type readLiner interface {
	ReadString(delim byte) (string, error)
}

// New creates a UI reading from in and writing to out. Progress marks are
// printed only when out is a terminal.
func New(in io.Reader, out io.Writer, logger *slog.Logger) *UI {
	if logger == nil {
		logger = slog.Default()
	}
	return &UI{
		in:          newReader(in),
		out:         out,
		interactive: IsTerminal(out),
		logger:      logger,
	}
}

func (u *UI) print(s string) {
	_, _ = io.WriteString(u.out, s)
}

// Printf writes a status line, closing any open progress line first.
func (u *UI) Printf(format string, args ...any) {
	u.endProgress()
	u.print(fmt.Sprintf(format, args...))
}

// SelectDialog lists the dialogs and returns the chosen one.
func (u *UI) SelectDialog(dialogs []types.Dialog) (types.Dialog, error) {
	if len(dialogs) == 0 {
		return types.Dialog{}, fmt.Errorf("no dialogs available")
	}

	items := make([]MenuItem, 0, len(dialogs))
	for _, d := range dialogs {
		items = append(items, Labeled(DialogLabel(d)))
	}

	choice, err := u.Choose("Select chat", items, "")
	if err != nil {
		return types.Dialog{}, err
	}
	return dialogs[choice], nil
}

// DialogLabel renders a dialog as "[K] name", with the name shortened to
// fit the menu.
func DialogLabel(d types.Dialog) string {
	name := strings.Join(strings.Fields(d.DisplayName), " ")
	return fmt.Sprintf("[%s] %s", d.Kind.Code(), text.Snip(name, dialogNameWidth, "..."))
}

// Confirm asks a yes/no question. Empty input means yes.
func (u *UI) Confirm(question string) (bool, error) {
	if question == "" {
		question = "Are you sure? Y/n "
	}
	u.endProgress()
	for {
		u.print(question)
		line, err := u.readLine()
		if err != nil {
			return false, err
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "", "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		u.print("Please enter a valid answer (Y/n)\n")
	}
}

// PageFetched marks a downloaded history page.
func (u *UI) PageFetched(page, total int) {
	u.mark(". ")
}

// MessageExamined marks a filtered message: x for a match, . otherwise.
func (u *UI) MessageExamined(matched bool) {
	if matched {
		u.mark("x")
	} else {
		u.mark(".")
	}
}

// MessageDeleted marks an issued delete request.
func (u *UI) MessageDeleted(err error) {
	if err != nil {
		u.mark("!")
	} else {
		u.mark(".")
	}
}

func (u *UI) mark(s string) {
	if !u.interactive {
		return
	}
	u.progressOpen = true
	u.print(s)
}

func (u *UI) endProgress() {
	if u.progressOpen {
		u.progressOpen = false
		u.print("\n")
	}
}
