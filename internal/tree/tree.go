// Package tree implements the branchable version tree of conversation
// turns. The tree exclusively owns its turns: all accessors return copies,
// and the only mutations are appending children, branching via edit, and
// in-place content updates applied by the build pipeline.
package tree

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"forma/internal/domain"
	"forma/internal/domain/models/cad"
)

// rootKey indexes children of the (virtual) root in the children map.
const rootKey = ""

// Tree is the version tree for one conversation. Safe for concurrent use;
// there is at most one in-flight build per tree, but HTTP handlers and the
// build goroutine touch it from different goroutines.
type Tree struct {
	mu             sync.RWMutex
	conversationID string
	turns          map[string]*cad.Turn
	// children holds child ids per parent in creation order. Sibling
	// ordering and the "first child wins" leaf-descent rule both depend
	// on this order being stable.
	children map[string][]string
	// order holds all turn ids in creation order. Wall-clock timestamps
	// can collide, so ordering never relies on them after load.
	order         []string
	currentLeafID string
}

// New creates an empty tree for a conversation.
func New(conversationID string) *Tree {
	return &Tree{
		conversationID: conversationID,
		turns:          make(map[string]*cad.Turn),
		children:       make(map[string][]string),
	}
}

// Load rebuilds a tree from persisted turns. Turns are indexed in
// creation-time order so sibling order survives the round trip. Returns
// ErrNotFound wrapped if a turn references a missing parent.
func Load(conversationID string, turns []cad.Turn, currentLeafID *string) (*Tree, error) {
	t := New(conversationID)

	sorted := make([]cad.Turn, len(turns))
	copy(sorted, turns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	for i := range sorted {
		turn := sorted[i]
		if turn.ParentTurnID != nil {
			if _, ok := t.turns[*turn.ParentTurnID]; !ok {
				return nil, fmt.Errorf("turn %s parent %s: %w", turn.ID, *turn.ParentTurnID, domain.ErrNotFound)
			}
		}
		t.insert(&turn)
	}

	if currentLeafID != nil {
		if _, ok := t.turns[*currentLeafID]; ok {
			t.currentLeafID = *currentLeafID
		}
		// A dangling pointer falls back to the most recent leaf, resolved
		// lazily by CurrentLeaf.
	}

	return t, nil
}

// ConversationID returns the owning conversation's id.
func (t *Tree) ConversationID() string {
	return t.conversationID
}

func (t *Tree) insert(turn *cad.Turn) {
	t.turns[turn.ID] = turn
	t.order = append(t.order, turn.ID)
	key := rootKey
	if turn.ParentTurnID != nil {
		key = *turn.ParentTurnID
	}
	t.children[key] = append(t.children[key], turn.ID)
}

// AppendChild creates a new turn under parentID (nil for a root turn) and
// makes it the current leaf. Returns ErrNotFound wrapped if parentID is
// non-nil and unknown.
func (t *Tree) AppendChild(parentID *string, role string, content cad.TurnContent) (cad.Turn, error) {
	if err := content.Validate(); err != nil {
		return cad.Turn{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if parentID != nil {
		if _, ok := t.turns[*parentID]; !ok {
			return cad.Turn{}, fmt.Errorf("parent turn %s: %w", *parentID, domain.ErrNotFound)
		}
	}

	turn := &cad.Turn{
		ID:             uuid.NewString(),
		ConversationID: t.conversationID,
		ParentTurnID:   parentID,
		Role:           role,
		Content:        content.Clone(),
		CreatedAt:      time.Now(),
	}
	t.insert(turn)
	t.currentLeafID = turn.ID

	return copyTurn(turn), nil
}

// Get returns a copy of the turn with the given id.
func (t *Tree) Get(turnID string) (cad.Turn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	turn, ok := t.turns[turnID]
	if !ok {
		return cad.Turn{}, fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}
	return copyTurn(turn), nil
}

// SiblingsOf returns all children of turnID's parent in creation order,
// including the turn itself. For a root turn it returns all root turns.
func (t *Tree) SiblingsOf(turnID string) ([]cad.Turn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids, _, err := t.siblingIDs(turnID)
	if err != nil {
		return nil, err
	}

	out := make([]cad.Turn, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyTurn(t.turns[id]))
	}
	return out, nil
}

// siblingIDs returns the ordered sibling id slice containing turnID and
// the turn's index within it. Callers must hold at least a read lock.
func (t *Tree) siblingIDs(turnID string) ([]string, int, error) {
	turn, ok := t.turns[turnID]
	if !ok {
		return nil, 0, fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}

	key := rootKey
	if turn.ParentTurnID != nil {
		key = *turn.ParentTurnID
	}
	ids := t.children[key]
	for i, id := range ids {
		if id == turnID {
			return ids, i, nil
		}
	}
	// Unreachable while insert keeps the index consistent.
	return nil, 0, fmt.Errorf("turn %s missing from sibling index: %w", turnID, domain.ErrNotFound)
}

// LeafDescendant follows the first child at each level until a childless
// turn is reached. Deterministic: always child index 0, so the same call
// against an unchanged tree yields the same turn. This rule is
// load-bearing for branch switching: selecting a sibling shows the
// oldest recorded continuation of that branch.
func (t *Tree) LeafDescendant(turnID string) (cad.Turn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	current, ok := t.turns[turnID]
	if !ok {
		return cad.Turn{}, fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}
	for {
		kids := t.children[current.ID]
		if len(kids) == 0 {
			return copyTurn(current), nil
		}
		current = t.turns[kids[0]]
	}
}

// SetCurrentLeaf moves the viewing pointer. Returns ErrNotFound wrapped
// if turnID is unknown.
func (t *Tree) SetCurrentLeaf(turnID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.turns[turnID]; !ok {
		return fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}
	t.currentLeafID = turnID
	return nil
}

// Discard removes a childless turn, undoing an append whose persistence
// failed so the in-memory tree keeps matching the repository. Persisted
// turns are never discarded. The leaf pointer moves to the turn's parent
// when it pointed at the discarded turn. Returns ErrNotFound wrapped for
// unknown ids and ErrConflict wrapped when the turn has children.
func (t *Tree) Discard(turnID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	turn, ok := t.turns[turnID]
	if !ok {
		return fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}
	if len(t.children[turnID]) > 0 {
		return fmt.Errorf("%w: turn %s has children", domain.ErrConflict, turnID)
	}

	delete(t.turns, turnID)
	delete(t.children, turnID)
	key := rootKey
	if turn.ParentTurnID != nil {
		key = *turn.ParentTurnID
	}
	t.children[key] = removeID(t.children[key], turnID)
	t.order = removeID(t.order, turnID)

	if t.currentLeafID == turnID {
		t.currentLeafID = ""
		if turn.ParentTurnID != nil {
			t.currentLeafID = *turn.ParentTurnID
		}
	}
	return nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// CurrentLeaf resolves the current-leaf pointer. When the pointer is
// unset it defaults to the most-recently-created leaf. Returns
// ErrNotFound wrapped only for an empty tree.
func (t *Tree) CurrentLeaf() (cad.Turn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.currentLeafID != "" {
		if turn, ok := t.turns[t.currentLeafID]; ok {
			return copyTurn(turn), nil
		}
	}

	// Most-recently-created leaf: walk creation order backwards.
	for i := len(t.order) - 1; i >= 0; i-- {
		id := t.order[i]
		if len(t.children[id]) == 0 {
			return copyTurn(t.turns[id]), nil
		}
	}
	return cad.Turn{}, fmt.Errorf("conversation %s has no turns: %w", t.conversationID, domain.ErrNotFound)
}

// IsCurrentLeaf reports whether turnID is the resolved current leaf.
// The build pipeline checks this at result-application time so results
// for abandoned branches are discarded.
func (t *Tree) IsCurrentLeaf(turnID string) bool {
	leaf, err := t.CurrentLeaf()
	if err != nil {
		return false
	}
	return leaf.ID == turnID
}

// EditTurn branches a user turn: it creates a new sibling under the same
// parent carrying newContent and makes it the current leaf. The original
// turn is never mutated. Returns ErrInvalidRole wrapped for non-user
// turns and ErrNotFound wrapped for unknown ids.
func (t *Tree) EditTurn(turnID string, newContent cad.TurnContent) (cad.Turn, error) {
	if err := newContent.Validate(); err != nil {
		return cad.Turn{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	original, ok := t.turns[turnID]
	if !ok {
		return cad.Turn{}, fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}
	if original.Role != cad.RoleUser {
		return cad.Turn{}, fmt.Errorf("turn %s has role %q: %w", turnID, original.Role, domain.ErrInvalidRole)
	}

	sibling := &cad.Turn{
		ID:             uuid.NewString(),
		ConversationID: t.conversationID,
		ParentTurnID:   original.ParentTurnID,
		Role:           cad.RoleUser,
		Content:        newContent.Clone(),
		CreatedAt:      time.Now(),
	}
	t.insert(sibling)
	t.currentLeafID = sibling.ID

	return copyTurn(sibling), nil
}

// UpdateContent replaces a turn's content in place. This is the only way
// build results reach the tree.
func (t *Tree) UpdateContent(turnID string, content cad.TurnContent) error {
	if err := content.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	turn, ok := t.turns[turnID]
	if !ok {
		return fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}
	turn.Content = content.Clone()
	return nil
}

// Path returns the turns from the root down to turnID, inclusive.
func (t *Tree) Path(turnID string) ([]cad.Turn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	turn, ok := t.turns[turnID]
	if !ok {
		return nil, fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}

	var reversed []cad.Turn
	for {
		reversed = append(reversed, copyTurn(turn))
		if turn.ParentTurnID == nil {
			break
		}
		turn = t.turns[*turn.ParentTurnID]
	}

	out := make([]cad.Turn, len(reversed))
	for i := range reversed {
		out[len(reversed)-1-i] = reversed[i]
	}
	return out, nil
}

// SiblingPosition returns the turn's zero-based index among its siblings
// and the sibling count, for "2 of 3" style branch indicators.
func (t *Tree) SiblingPosition(turnID string) (index, count int, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids, i, err := t.siblingIDs(turnID)
	if err != nil {
		return 0, 0, err
	}
	return i, len(ids), nil
}

// StepSibling moves by offset within the sibling order, clamping at both
// ends (no wraparound). offset is typically +1 or -1 for the next/previous
// branch controls.
func (t *Tree) StepSibling(turnID string, offset int) (cad.Turn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids, i, err := t.siblingIDs(turnID)
	if err != nil {
		return cad.Turn{}, err
	}

	target := i + offset
	if target < 0 {
		target = 0
	}
	if target > len(ids)-1 {
		target = len(ids) - 1
	}
	return copyTurn(t.turns[ids[target]]), nil
}

// Turns returns copies of all turns in creation order, for persistence
// and inspection.
func (t *Tree) Turns() []cad.Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]cad.Turn, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, copyTurn(t.turns[id]))
	}
	return out
}

// Len returns the number of turns in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

func copyTurn(turn *cad.Turn) cad.Turn {
	out := *turn
	out.Content = turn.Content.Clone()
	if turn.ParentTurnID != nil {
		parent := *turn.ParentTurnID
		out.ParentTurnID = &parent
	}
	return out
}
