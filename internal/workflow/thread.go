package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/ksred/nextrade-api/internal/apperr"
	"github.com/ksred/nextrade-api/internal/checkpoint"
	"github.com/ksred/nextrade-api/internal/loopguard"
	"github.com/ksred/nextrade-api/internal/types"
)

const threadsNamespace = "threads"

type ThreadStatus string

const (
	ThreadIdle             ThreadStatus = "idle"
	ThreadAwaitingApproval ThreadStatus = "awaiting_approval"
)

// Thread is a conversation's durable state. Everything in it is plain data so
// the whole thread can be checkpointed and resumed by another process.
type Thread struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Messages     []types.Message `json:"messages"`
	ActiveAgent  string          `json:"active_agent"`
	Status       ThreadStatus    `json:"status"`
	Loop         loopguard.State `json:"loop"`
	LastResponse string          `json:"last_response"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (t *Thread) append(msgs ...types.Message) {
	t.Messages = append(t.Messages, msgs...)
}

func (t *Thread) lastMessage() (types.Message, bool) {
	if len(t.Messages) == 0 {
		return types.Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

type threadStore struct {
	store checkpoint.Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newThreadStore(store checkpoint.Store, now func() time.Time) *threadStore {
	return &threadStore{store: store, now: now, locks: make(map[string]*sync.Mutex)}
}

// lock serialises requests on one thread within this process.
func (s *threadStore) lock(threadID string) func() {
	s.mu.Lock()
	l, ok := s.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[threadID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// load returns the thread if it belongs to userID and nil if no thread has
// that id. A thread owned by another user is a not-found error, so callers
// can never create over it.
func (s *threadStore) load(ctx context.Context, threadID, userID string) (*Thread, error) {
	var t Thread
	ok, err := s.store.Get(ctx, threadsNamespace, threadID, &t)
	if err != nil {
		return nil, apperr.Database("workflow.loadThread", "get thread "+threadID, err)
	}
	if !ok {
		return nil, nil
	}
	if t.UserID != userID {
		return nil, apperr.NotFound("workflow.loadThread", "thread", threadID)
	}
	return &t, nil
}

func (s *threadStore) save(ctx context.Context, t *Thread) error {
	t.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, threadsNamespace, t.ID, t); err != nil {
		return apperr.Database("workflow.saveThread", "put thread "+t.ID, err)
	}
	return nil
}
