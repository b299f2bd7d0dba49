package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
)

const separatorLen = 64

// ErrExit is returned when the user picks "0 - Exit" or input ends.
var ErrExit = errors.New("exit requested")

// Action is the work bound to a menu item.
type Action func(ctx context.Context) error

// MenuItem is either a plain label or a label with a bound action.
// Construct it with Labeled or Actionable.
type MenuItem struct {
	text   string
	action Action
}

// Labeled is a menu item that only carries text; the caller acts on the
// returned index.
func Labeled(text string) MenuItem {
	return MenuItem{text: text}
}

// Actionable is a menu item that runs action when chosen from RunMenu.
func Actionable(text string, action Action) MenuItem {
	return MenuItem{text: text, action: action}
}

// Text returns the label.
func (m MenuItem) Text() string {
	return m.text
}

// Action returns the bound action, or nil for labeled items.
func (m MenuItem) Action() Action {
	return m.action
}

// Choose prints a numbered menu and returns the 0-based index of the chosen
// item. Invalid input re-prompts. Entering 0 returns ErrExit.
func (u *UI) Choose(title string, items []MenuItem, instructions string) (int, error) {
	if len(items) == 0 {
		return 0, errors.New("menu has no items")
	}

	u.endProgress()

	var b strings.Builder
	b.WriteString(u.heading(title))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", separatorLen))
	b.WriteString("\n")
	if instructions != "" {
		b.WriteString(instructions)
		b.WriteString("\n")
	}
	for i, item := range items {
		fmt.Fprintf(&b, "%4d - %s\n", i+1, item.text)
	}
	b.WriteString("   0 - Exit\n")
	b.WriteString(strings.Repeat("-", separatorLen))
	b.WriteString("\n")
	u.print(b.String())

	for {
		u.print("Enter the option number: ")
		line, err := u.readLine()
		if err != nil {
			return 0, err
		}

		option, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil {
			switch {
			case option == 0:
				return 0, ErrExit
			case option > 0 && option <= len(items):
				return option - 1, nil
			}
		}
		u.print("Please enter a valid option number\n")
	}
}

// RunMenu shows the menu repeatedly and runs the chosen item's action.
// Action errors are printed and the menu is shown again; ErrExit from the
// menu or from an action ends the loop with a nil error.
func (u *UI) RunMenu(ctx context.Context, title string, items []MenuItem) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		choice, err := u.Choose(title, items, "")
		if errors.Is(err, ErrExit) {
			return nil
		}
		if err != nil {
			return err
		}

		action := items[choice].action
		if action == nil {
			continue
		}
		if err := action(ctx); err != nil {
			if errors.Is(err, ErrExit) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			u.logger.Error("action failed", "action", items[choice].text, "error", err)
			u.print(fmt.Sprintf("\nError: %v\n\n", err))
		}
	}
}

// readLine reads one line of input. End of input is reported as ErrExit.
func (u *UI) readLine() (string, error) {
	line, err := u.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if strings.TrimSpace(line) != "" {
				return line, nil
			}
			u.print("\n")
			return "", ErrExit
		}
		return "", fmt.Errorf("read input: %w", err)
	}
	return line, nil
}

func (u *UI) heading(title string) string {
	if !u.interactive {
		return title
	}
	return text.Colors{text.Bold}.Sprint(title)
}

// newReader wraps in unless it is already buffered.
func newReader(in io.Reader) *bufio.Reader {
	if br, ok := in.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(in)
}
