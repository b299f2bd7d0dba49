package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leonletto/tghistory/internal/types"
)

var (
	me    = types.User{ID: "7", Username: "me"}
	other = types.User{ID: "8", Username: "other"}
)

// fakeBackend serves a fixed oldest-first history in newest-first pages.
type fakeBackend struct {
	dialogs  []types.Dialog
	messages []types.Message
	self     types.User

	listErr  error
	fetchErr error
	// failDeletes makes DeleteMessage fail for these ids.
	failDeletes map[types.ID]bool

	deleted []types.ID
	scopes  []types.DeleteScope
}

func (b *fakeBackend) ListDialogs(_ context.Context, _ int) ([]types.Dialog, error) {
	return b.dialogs, b.listErr
}

func (b *fakeBackend) FetchHistoryPage(_ context.Context, _ types.ID, limit, offset int) (types.PageResult, error) {
	if b.fetchErr != nil {
		return types.PageResult{}, b.fetchErr
	}
	newest := make([]types.Message, len(b.messages))
	for i, m := range b.messages {
		newest[len(b.messages)-1-i] = m
	}
	if offset >= len(newest) {
		return types.EndOfHistory(), nil
	}
	end := min(offset+limit, len(newest))
	return types.Page(newest[offset:end]), nil
}

func (b *fakeBackend) WhoAmI(_ context.Context) (types.User, error) {
	return b.self, nil
}

func (b *fakeBackend) DeleteMessage(_ context.Context, id types.ID, scope types.DeleteScope) error {
	b.deleted = append(b.deleted, id)
	b.scopes = append(b.scopes, scope)
	if b.failDeletes[id] {
		return fmt.Errorf("FAIL 400: MESSAGE_DELETE_FORBIDDEN")
	}
	return nil
}

// fakeUI picks the first dialog and answers confirmations with confirm.
type fakeUI struct {
	confirm   bool
	selectErr error
	out       strings.Builder
	confirms  int
	deleted   int
}

func (u *fakeUI) SelectDialog(dialogs []types.Dialog) (types.Dialog, error) {
	if u.selectErr != nil {
		return types.Dialog{}, u.selectErr
	}
	return dialogs[0], nil
}

func (u *fakeUI) Confirm(string) (bool, error) {
	u.confirms++
	return u.confirm, nil
}

func (u *fakeUI) Printf(format string, args ...any) { fmt.Fprintf(&u.out, format, args...) }
func (u *fakeUI) PageFetched(int, int)              {}
func (u *fakeUI) MessageExamined(bool)              {}
func (u *fakeUI) MessageDeleted(error)              { u.deleted++ }

type recordingSink struct {
	writes map[string][]types.Message
}

func (s *recordingSink) Write(dir, name string, msgs []types.Message) (string, error) {
	if s.writes == nil {
		s.writes = make(map[string][]types.Message)
	}
	s.writes[name] = msgs
	return filepath.Join(dir, name), nil
}

type fakeJournal struct {
	began    int
	records  map[types.ID]error
	finished bool
}

func (j *fakeJournal) BeginRun(_ context.Context, _ types.Dialog, _ types.User, _ string, _ int) (string, error) {
	j.began++
	j.records = make(map[types.ID]error)
	return "run_1", nil
}

func (j *fakeJournal) Record(_ context.Context, _ string, id types.ID, reqErr error) error {
	j.records[id] = reqErr
	return nil
}

func (j *fakeJournal) FinishRun(_ context.Context, _ string) error {
	j.finished = true
	return nil
}

// mixedHistory returns total messages where every step-th is sent by me.
func mixedHistory(total, step int) []types.Message {
	msgs := make([]types.Message, total)
	for i := range msgs {
		from := other
		if i%step == 0 {
			from = me
		}
		msgs[i] = types.Message{ID: types.ID(fmt.Sprint(i + 1)), From: from}
	}
	return msgs
}

func newBackend(msgs []types.Message) *fakeBackend {
	return &fakeBackend{
		dialogs:  []types.Dialog{{ID: "100", DisplayName: "Team", Kind: types.KindChat}},
		messages: msgs,
		self:     me,
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{SavePath: t.TempDir(), DialogLimit: 999, PageSize: 100}
}

func TestSaveFull_WritesWholeHistory(t *testing.T) {
	cfg := testConfig(t)
	backend := newBackend(mixedHistory(245, 4))
	ui := &fakeUI{}

	out, err := New(cfg, backend, ui).SaveFull(context.Background())
	if err != nil {
		t.Fatalf("SaveFull failed: %v", err)
	}
	if out.Messages != 245 || out.State != StateDone {
		t.Errorf("unexpected outcome %+v", out)
	}
	if out.File != filepath.Join(cfg.SavePath, "Team.json") {
		t.Errorf("unexpected file %s", out.File)
	}

	data, err := os.ReadFile(out.File)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), `"id": "245"`) {
		t.Errorf("output misses the newest message")
	}
	if !strings.Contains(ui.out.String(), "245 messages found in selected dialog") {
		t.Errorf("missing count line in output:\n%s", ui.out.String())
	}
}

func TestSaveOwn_TruncatesFileName(t *testing.T) {
	cfg := testConfig(t)
	backend := newBackend(mixedHistory(20, 4))
	backend.dialogs[0].DisplayName = "Project Chat Room Name That Is Too Long"
	sink := &recordingSink{}

	out, err := New(cfg, backend, &fakeUI{}, WithSink(sink)).SaveOwn(context.Background())
	if err != nil {
		t.Fatalf("SaveOwn failed: %v", err)
	}

	msgs, ok := sink.writes["Project Chat Room Name That Is T_own.json"]
	if !ok {
		t.Fatalf("expected truncated file name, got writes %v", sink.writes)
	}
	if len(msgs) != 5 || out.Selected != 5 {
		t.Errorf("expected 5 own messages, got %d (outcome %d)", len(msgs), out.Selected)
	}
	want := []types.ID{"1", "5", "9", "13", "17"}
	for i, m := range msgs {
		if m.ID != want[i] || m.From.ID != me.ID {
			t.Errorf("message %d: got %s from %s, want %s from %s", i, m.ID, m.From.ID, want[i], me.ID)
		}
	}
}

func TestSave_FetchFailureWritesNothing(t *testing.T) {
	backend := newBackend(mixedHistory(10, 2))
	backend.fetchErr = errors.New("connection reset")
	sink := &recordingSink{}
	o := New(testConfig(t), backend, &fakeUI{}, WithSink(sink))

	if _, err := o.SaveFull(context.Background()); err == nil {
		t.Error("SaveFull should fail")
	}
	if _, err := o.SaveOwn(context.Background()); err == nil {
		t.Error("SaveOwn should fail")
	}
	if len(sink.writes) != 0 {
		t.Errorf("expected no writes, got %v", sink.writes)
	}
}

func TestActions_SelectionErrorPropagates(t *testing.T) {
	exit := errors.New("exit")
	backend := newBackend(mixedHistory(3, 1))
	ui := &fakeUI{selectErr: exit}

	_, err := New(testConfig(t), backend, ui).DeleteOwn(context.Background())
	if !errors.Is(err, exit) {
		t.Errorf("expected selection error, got %v", err)
	}
	if len(backend.deleted) != 0 {
		t.Errorf("nothing should be deleted, got %v", backend.deleted)
	}
}

func TestDeleteOwn_DeletesOwnForEveryone(t *testing.T) {
	backend := newBackend(mixedHistory(20, 4))
	ui := &fakeUI{confirm: true}
	journal := &fakeJournal{}

	out, err := New(testConfig(t), backend, ui, WithJournal(journal)).DeleteOwn(context.Background())
	if err != nil {
		t.Fatalf("DeleteOwn failed: %v", err)
	}

	if len(backend.deleted) != 5 {
		t.Fatalf("expected 5 delete requests, got %d", len(backend.deleted))
	}
	want := []types.ID{"1", "5", "9", "13", "17"}
	for i, id := range backend.deleted {
		if id != want[i] {
			t.Errorf("delete %d: got id %s, want %s", i, id, want[i])
		}
		if backend.scopes[i] != types.ScopeForEveryone {
			t.Errorf("delete %d: scope %v", i, backend.scopes[i])
		}
	}
	if out.Deleted != 5 || out.Failed != 0 || out.Skipped != 0 {
		t.Errorf("unexpected counts %+v", out)
	}
	if ui.deleted != 5 {
		t.Errorf("expected 5 progress marks, got %d", ui.deleted)
	}
	if journal.began != 1 || len(journal.records) != 5 || !journal.finished {
		t.Errorf("journal not kept: %+v", journal)
	}
}

func TestDeleteOwn_Declined(t *testing.T) {
	backend := newBackend(mixedHistory(20, 4))
	ui := &fakeUI{confirm: false}
	journal := &fakeJournal{}

	out, err := New(testConfig(t), backend, ui, WithJournal(journal)).DeleteOwn(context.Background())
	if err != nil {
		t.Fatalf("DeleteOwn failed: %v", err)
	}
	if out.State != StateCancelled {
		t.Errorf("expected cancelled, got %v", out.State)
	}
	if len(backend.deleted) != 0 {
		t.Errorf("expected no deletes, got %v", backend.deleted)
	}
	if journal.began != 0 {
		t.Error("declined run should not be journaled")
	}
	if ui.confirms != 1 {
		t.Errorf("expected one confirmation, got %d", ui.confirms)
	}
}

func TestDeleteOwn_Policy(t *testing.T) {
	tests := []struct {
		policy      types.DeletePolicy
		wantCalls   int
		wantDeleted int
		wantFailed  int
		wantSkipped int
	}{
		{types.DeleteAbort, 2, 1, 1, 3},
		{types.DeleteContinue, 5, 4, 1, 0},
		{"", 2, 1, 1, 3}, // abort is the default
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			backend := newBackend(mixedHistory(20, 4))
			backend.failDeletes = map[types.ID]bool{"5": true}
			cfg := testConfig(t)
			cfg.DeletePolicy = tt.policy

			out, err := New(cfg, backend, &fakeUI{confirm: true}).DeleteOwn(context.Background())

			var delErr *DeleteError
			if !errors.As(err, &delErr) {
				t.Fatalf("expected *DeleteError, got %v", err)
			}
			if len(backend.deleted) != tt.wantCalls {
				t.Errorf("expected %d delete calls, got %d", tt.wantCalls, len(backend.deleted))
			}
			if out.Deleted != tt.wantDeleted || out.Failed != tt.wantFailed || out.Skipped != tt.wantSkipped {
				t.Errorf("got deleted=%d failed=%d skipped=%d", out.Deleted, out.Failed, out.Skipped)
			}
			if delErr.Skipped != tt.wantSkipped {
				t.Errorf("error reports %d skipped", delErr.Skipped)
			}
		})
	}
}

func TestDeleteOwn_CancelledContextSkipsRest(t *testing.T) {
	backend := newBackend(mixedHistory(20, 4))
	cfg := testConfig(t)
	cfg.DeleteRate = 1000

	ctx, cancel := context.WithCancel(context.Background())
	ui := &cancellingUI{fakeUI: fakeUI{confirm: true}, cancel: cancel}

	out, err := New(cfg, backend, ui).DeleteOwn(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.Deleted != 1 || out.Skipped != 4 {
		t.Errorf("expected 1 deleted and 4 skipped, got %+v", out)
	}
}

// cancellingUI cancels the action after the first delete.
type cancellingUI struct {
	fakeUI
	cancel context.CancelFunc
}

func (u *cancellingUI) MessageDeleted(err error) {
	u.fakeUI.MessageDeleted(err)
	u.cancel()
}

func TestCountOf(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "0 messages"},
		{1, "1 message"},
		{5, "5 messages"},
	}
	for _, tt := range tests {
		if got := countOf(tt.n, "message"); got != tt.want {
			t.Errorf("countOf(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestDeleteOwn_SummaryCounts(t *testing.T) {
	backend := newBackend(mixedHistory(4, 4))
	ui := &fakeUI{confirm: true}

	if _, err := New(testConfig(t), backend, ui).DeleteOwn(context.Background()); err != nil {
		t.Fatalf("DeleteOwn failed: %v", err)
	}
	out := ui.out.String()
	for _, want := range []string{
		"1 message sent by you",
		"The 1 message you have sent to Team (100) will be deleted",
		"Deleted 1 message, 0 failed, 0 skipped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}
