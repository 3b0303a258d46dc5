package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/isopen-io/meeshy-sub013/internal/crypto"
	"github.com/isopen-io/meeshy-sub013/internal/model"
	"github.com/isopen-io/meeshy-sub013/internal/repository"
)

type fakeConversations struct {
	mu    sync.Mutex
	convs map[string]model.Conversation
	// newest reports the latest stored message time of a conversation. It is
	// called with mu held, mirroring the subquery of the SQL update.
	newest func(conversationID string) (time.Time, bool)
}

func newFakeConversations(convs ...model.Conversation) *fakeConversations {
	f := &fakeConversations{convs: map[string]model.Conversation{}}
	for _, c := range convs {
		f.convs[c.ID] = c
	}
	return f
}

func (f *fakeConversations) Get(_ context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, repository.ErrConversationNotFound
	}
	return &c, nil
}

func (f *fakeConversations) EnableEncryption(_ context.Context, id string, mode model.EncryptionMode,
	protocol model.Protocol, serverKeyID *string, at time.Time) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return time.Time{}, repository.ErrConversationNotFound
	}
	if c.EncryptionMode != nil {
		return time.Time{}, repository.ErrEncryptionAlreadyEnabled
	}
	if f.newest != nil {
		if latest, ok := f.newest(id); ok && !at.After(latest) {
			at = latest.Add(time.Microsecond)
		}
	}
	c.EncryptionMode = &mode
	c.EncryptionProtocol = &protocol
	c.ServerEncryptionKeyID = serverKeyID
	c.EncryptionEnabledAt = &at
	f.convs[id] = c
	return at, nil
}

func (f *fakeConversations) mode(id string) model.EncryptionMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.convs[id]
	return c.Mode()
}

// withMode runs fn with the conversation's mode while holding the lock, like
// the single INSERT ... SELECT of the guarded insert.
func (f *fakeConversations) withMode(id string, fn func(model.EncryptionMode) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.convs[id]
	return fn(c.Mode())
}

type fakeKeys struct {
	mu     sync.Mutex
	byConv map[string]*model.ConversationKey
	byID   map[string]*model.ConversationKey
	// gate, when set, holds every Create until released so concurrent
	// provisioners all pass the initial lookup.
	gate chan struct{}
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{byConv: map[string]*model.ConversationKey{}, byID: map[string]*model.ConversationKey{}}
}

func (f *fakeKeys) Create(_ context.Context, key *model.ConversationKey) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byConv[key.ConversationID]; ok {
		return repository.ErrKeyExists
	}
	k := *key
	f.byConv[k.ConversationID] = &k
	f.byID[k.KeyID] = &k
	return nil
}

func (f *fakeKeys) GetByConversation(_ context.Context, conversationID string) (*model.ConversationKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byConv[conversationID]
	if !ok {
		return nil, repository.ErrKeyNotFound
	}
	c := *k
	return &c, nil
}

func (f *fakeKeys) GetByKeyID(_ context.Context, keyID string) (*model.ConversationKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byID[keyID]
	if !ok {
		return nil, repository.ErrKeyNotFound
	}
	c := *k
	return &c, nil
}

func (f *fakeKeys) DeleteByConversation(_ context.Context, conversationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byConv[conversationID]
	if !ok {
		return 0, nil
	}
	delete(f.byConv, conversationID)
	delete(f.byID, k.KeyID)
	return 1, nil
}

func (f *fakeKeys) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byConv)
}

// fakeMessages emulates the guarded insert against fakeConversations.
type fakeMessages struct {
	mu       sync.Mutex
	convs    *fakeConversations
	messages []model.Message
	// beforeGuard runs before each guarded insert checks the conversation mode.
	beforeGuard func()
	// staleGuards forces that many guarded inserts to report a state change.
	staleGuards int
}

func (f *fakeMessages) CreateGuarded(_ context.Context, msg *model.Message, expected model.EncryptionMode) error {
	if f.beforeGuard != nil {
		f.beforeGuard()
	}
	return f.convs.withMode(msg.ConversationID, func(mode model.EncryptionMode) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.staleGuards > 0 {
			f.staleGuards--
			return repository.ErrConversationStateChanged
		}
		if mode != expected {
			return repository.ErrConversationStateChanged
		}
		f.messages = append(f.messages, *msg)
		return nil
	})
}

func (f *fakeMessages) newest(conversationID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest time.Time
	found := false
	for _, m := range f.messages {
		if m.ConversationID == conversationID && (!found || m.CreatedAt.After(latest)) {
			latest, found = m.CreatedAt, true
		}
	}
	return latest, found
}

func (f *fakeMessages) Create(_ context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeMessages) ListByConversation(_ context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID && (before.IsZero() || m.CreatedAt.Before(before)) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessages) get(id string) (model.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

type dispatchCall struct {
	messageID, conversationID, text string
}

type fakeTranslator struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (f *fakeTranslator) Dispatch(_ context.Context, messageID, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{messageID, conversationID, text})
	return f.err
}

type testEnv struct {
	convs      *fakeConversations
	keys       *fakeKeys
	messages   *fakeMessages
	translator *fakeTranslator
	encryption *EncryptionService
	svc        *MessageService
}

func newTestEnv(t *testing.T, convs ...model.Conversation) *testEnv {
	t.Helper()
	adapter := crypto.NewAdapter()
	master, err := adapter.GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() unexpected error: %v", err)
	}

	env := &testEnv{
		convs:      newFakeConversations(convs...),
		keys:       newFakeKeys(),
		translator: &fakeTranslator{},
	}
	env.messages = &fakeMessages{convs: env.convs}
	env.convs.newest = env.messages.newest
	env.encryption = NewEncryptionService(env.convs, env.keys, adapter, master, nil)
	env.svc = NewMessageService(env.convs, env.messages, env.encryption, env.translator, nil)
	return env
}

func plainConversation(id string) model.Conversation {
	return model.Conversation{ID: id, Type: model.ConversationDirect, Participants: []string{"alice", "bob"}}
}

func strPtr(s string) *string { return &s }
