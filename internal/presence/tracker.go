// Package presence projects presence snapshots and join/leave deltas into the
// set of currently online participants.
package presence

// Tracker holds the online set in first-seen order. It is not safe for
// concurrent use.
type Tracker struct {
	order  []string
	online map[string]struct{}
	synced bool
}

// New creates an empty Tracker that has not received a snapshot yet.
func New() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

// ApplySnapshot replaces the online set with identities. Identities that were
// already online keep their position; new ones follow in snapshot order.
func (t *Tracker) ApplySnapshot(identities []string) {
	next := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		if id != "" {
			next[id] = struct{}{}
		}
	}

	order := make([]string, 0, len(next))
	for _, id := range t.order {
		if _, ok := next[id]; ok {
			order = append(order, id)
		}
	}
	placed := make(map[string]struct{}, len(next))
	for _, id := range order {
		placed[id] = struct{}{}
	}
	for _, id := range identities {
		if _, ok := next[id]; !ok {
			continue
		}
		if _, ok := placed[id]; ok {
			continue
		}
		placed[id] = struct{}{}
		order = append(order, id)
	}

	t.order = order
	t.online = next
	t.synced = true
}

// ApplyJoin marks identity online. Returns false if it already was.
func (t *Tracker) ApplyJoin(identity string) bool {
	if identity == "" {
		return false
	}
	if _, ok := t.online[identity]; ok {
		return false
	}
	t.online[identity] = struct{}{}
	t.order = append(t.order, identity)
	return true
}

// ApplyLeave marks identity offline. Returns false if it was not online.
func (t *Tracker) ApplyLeave(identity string) bool {
	if _, ok := t.online[identity]; !ok {
		return false
	}
	delete(t.online, identity)
	for i, id := range t.order {
		if id == identity {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// CurrentOnline returns the online identities in first-seen order, or nothing
// before the first snapshot.
func (t *Tracker) CurrentOnline() []string {
	if !t.synced {
		return []string{}
	}
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Synced reports whether a snapshot has been applied.
func (t *Tracker) Synced() bool {
	return t.synced
}

// Contains reports whether identity is in the set, synced or not.
func (t *Tracker) Contains(identity string) bool {
	_, ok := t.online[identity]
	return ok
}
