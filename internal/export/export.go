// Package export writes message histories to disk.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leonletto/tghistory/internal/types"
)

// MaxNameRunes is how much of a dialog name is kept in the file name.
const MaxNameRunes = 32

// Suffixes appended to the file name per action.
const (
	SuffixFull = ""
	SuffixOwn  = "_own"
)

// FileName derives the output file name from a dialog display name:
// the first MaxNameRunes runes, the action suffix and ".json".
// Path separators are replaced so the name cannot escape the output directory.
func FileName(displayName, suffix string) string {
	runes := []rune(displayName)
	if len(runes) > MaxNameRunes {
		runes = runes[:MaxNameRunes]
	}
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, string(runes))

	switch name {
	case "", ".", "..":
		name = "dialog"
	}
	return name + suffix + ".json"
}

// WriteJSON serializes msgs as an indented JSON array into dir/name and
// returns the written path. dir is created if needed. The file is replaced
// atomically: readers see either the previous content or the complete new
// document, never a partial one.
func WriteJSON(dir, name string, msgs []types.Message) (string, error) {
	if msgs == nil {
		msgs = []types.Message{}
	}

	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil { //nolint:gosec // G302 - exported histories are meant to be readable
		return "", fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("finalize %s: %w", path, err)
	}
	return path, nil
}
