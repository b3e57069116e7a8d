package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type sentText struct {
	text      string
	formatted bool
}

type sentDoc struct {
	path, filename, caption string
}

// fakeTransport records every outbound call. The typing loop runs on its
// own goroutine, so all state sits behind a mutex.
type fakeTransport struct {
	mu         sync.Mutex
	replies    []sentText
	messages   []string
	edits      map[transport.MessageHandle]string
	editOrder  []sentText
	deletes    []transport.MessageHandle
	reactions  []string
	documents  []sentDoc
	photos     []sentDoc
	typing     int
	nextHandle transport.MessageHandle

	failReply bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{edits: make(map[transport.MessageHandle]string)}
}

func (f *fakeTransport) Reply(ctx context.Context, text string, formatted bool) (transport.MessageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReply {
		return 0, context.DeadlineExceeded
	}
	f.replies = append(f.replies, sentText{text, formatted})
	f.nextHandle++
	return f.nextHandle, nil
}

func (f *fakeTransport) ReplyDocument(ctx context.Context, path, filename, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, sentDoc{path, filename, caption})
	return nil
}

func (f *fakeTransport) ReplyPhoto(ctx context.Context, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, sentDoc{path: path, caption: caption})
	return nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, text string) (transport.MessageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	f.nextHandle++
	return f.nextHandle, nil
}

func (f *fakeTransport) EditMessage(ctx context.Context, handle transport.MessageHandle, text string, formatted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[handle] = text
	f.editOrder = append(f.editOrder, sentText{text, formatted})
	return nil
}

func (f *fakeTransport) DeleteMessage(ctx context.Context, handle transport.MessageHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, handle)
	return nil
}

func (f *fakeTransport) SendTyping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeTransport) SetReaction(ctx context.Context, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emoji)
	return nil
}

func (f *fakeTransport) DownloadPhoto(ctx context.Context) (string, error) { return "", nil }

func (f *fakeTransport) DownloadDocument(ctx context.Context) (string, string, error) {
	return "", "", nil
}

func (f *fakeTransport) DownloadVoice(ctx context.Context) (string, error) { return "", nil }

func (f *fakeTransport) MaxMessageLength() int { return 4096 }

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) replyTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.replies))
	for i, r := range f.replies {
		out[i] = r.text
	}
	return out
}

func (f *fakeTransport) messageTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *fakeTransport) reactionList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions...)
}

var _ transport.Transport = (*fakeTransport)(nil)

// fakeInvoker replays scripted events and returns a canned result.
type fakeInvoker struct {
	mu     sync.Mutex
	events []agent.Event
	result *agent.Result
	err    error
	calls  []agent.Options
}

func (f *fakeInvoker) Stream(ctx context.Context, opts agent.Options, fn func(agent.Event)) (*agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	events, result, err := f.events, f.result, f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		for _, ev := range events {
			fn(ev)
		}
	}
	if result == nil {
		result = &agent.Result{Text: "ok"}
	}
	return result, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) lastCall() agent.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return agent.Options{}
	}
	return f.calls[len(f.calls)-1]
}

var _ agent.Invoker = (*fakeInvoker)(nil)
