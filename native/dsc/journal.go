package dsc

import "dscengine/crypto"

// stateReader is the view queries and the staging helpers read positions
// through. Positions returned by it are never nil.
type stateReader interface {
	position(user crypto.Address) (*Position, error)
	totals() (*Totals, error)
}

// committedState reads straight from the store.
type committedState struct {
	store Store
}

func (c committedState) position(user crypto.Address) (*Position, error) {
	stored, err := c.store.Position(user)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return newPosition(user), nil
	}
	return stored, nil
}

func (c committedState) totals() (*Totals, error) {
	totals, err := c.store.Totals()
	if err != nil {
		return nil, err
	}
	if totals == nil {
		return newTotals(), nil
	}
	return totals, nil
}

// journal stages the writes of one operation on top of the committed store.
// Nothing reaches the store until changes() is committed.
type journal struct {
	base      committedState
	positions map[string]*Position
	dirty     []string
	marked    map[string]struct{}
	total     *Totals
	totalsSet bool
}

func newJournal(store Store) *journal {
	return &journal{
		base:      committedState{store: store},
		positions: make(map[string]*Position),
		marked:    make(map[string]struct{}),
	}
}

// load returns the mutable staged copy of the user's position.
func (j *journal) load(user crypto.Address) (*Position, error) {
	key := user.Key()
	if staged, ok := j.positions[key]; ok {
		return staged, nil
	}
	committed, err := j.base.position(user)
	if err != nil {
		return nil, err
	}
	staged := committed.Clone()
	j.positions[key] = staged
	return staged, nil
}

// loadTotals returns the mutable staged totals.
func (j *journal) loadTotals() (*Totals, error) {
	if j.total != nil {
		return j.total, nil
	}
	committed, err := j.base.totals()
	if err != nil {
		return nil, err
	}
	j.total = committed.clone()
	return j.total, nil
}

func (j *journal) touch(user crypto.Address) {
	key := user.Key()
	if _, ok := j.marked[key]; ok {
		return
	}
	j.marked[key] = struct{}{}
	j.dirty = append(j.dirty, key)
	j.totalsSet = true
}

func (j *journal) position(user crypto.Address) (*Position, error) {
	staged, err := j.load(user)
	if err != nil {
		return nil, err
	}
	return staged.Clone(), nil
}

func (j *journal) totals() (*Totals, error) {
	staged, err := j.loadTotals()
	if err != nil {
		return nil, err
	}
	return staged.clone(), nil
}

// changes returns the write set in the order positions were first touched.
func (j *journal) changes() *ChangeSet {
	set := &ChangeSet{Positions: make([]*Position, 0, len(j.dirty))}
	for _, key := range j.dirty {
		set.Positions = append(set.Positions, j.positions[key].Clone())
	}
	if j.totalsSet && j.total != nil {
		set.Totals = j.total.clone()
	}
	return set
}
