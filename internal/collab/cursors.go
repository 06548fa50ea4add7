package collab

import (
	"sort"
	"sync"
	"time"
)

// CursorState is the latest known cursor position for a user on a page.
// Cursor state is memory-only and keyed by (pageID, userID): later
// connections from the same user overwrite earlier state.
type CursorState struct {
	PageID         int64
	UserID         int64
	Position       int
	SelectionStart int
	SelectionEnd   int
	UpdatedAt      time.Time
}

type cursorKey struct {
	pageID int64
	userID int64
}

// CursorBroker tracks live cursor positions for broadcast.
type CursorBroker struct {
	clock func() time.Time

	mu      sync.RWMutex
	cursors map[cursorKey]CursorState
}

func NewCursorBroker(clock func() time.Time) *CursorBroker {
	if clock == nil {
		clock = time.Now
	}
	return &CursorBroker{
		clock:   clock,
		cursors: make(map[cursorKey]CursorState),
	}
}

// Update records the user's cursor position on the page and returns the
// stored state.
func (b *CursorBroker) Update(pageID, userID int64, position, selectionStart, selectionEnd int) CursorState {
	state := CursorState{
		PageID:         pageID,
		UserID:         userID,
		Position:       position,
		SelectionStart: selectionStart,
		SelectionEnd:   selectionEnd,
		UpdatedAt:      b.clock().UTC(),
	}
	b.mu.Lock()
	b.cursors[cursorKey{pageID: pageID, userID: userID}] = state
	b.mu.Unlock()
	return state
}

// Remove drops the user's cursor on the page, reporting whether one existed.
func (b *CursorBroker) Remove(pageID, userID int64) bool {
	key := cursorKey{pageID: pageID, userID: userID}
	b.mu.Lock()
	_, ok := b.cursors[key]
	if ok {
		delete(b.cursors, key)
	}
	b.mu.Unlock()
	return ok
}

// ListByPage returns the page's cursors ordered by user id.
func (b *CursorBroker) ListByPage(pageID int64) []CursorState {
	b.mu.RLock()
	states := make([]CursorState, 0)
	for key, state := range b.cursors {
		if key.pageID == pageID {
			states = append(states, state)
		}
	}
	b.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].UserID < states[j].UserID
	})
	return states
}
