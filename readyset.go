package reactorloop

// readySet is the C1 component: a grow-on-demand, append-only array of
// ready selection keys, rebuilt once per cycle. It replaces a selector's
// native hash-set of ready keys so readiness enumeration is index-based
// and allocation-free on the hot path.
type readySet struct {
	keys []*selectionKey
	size int
}

func newReadySet() *readySet {
	return &readySet{keys: make([]*selectionKey, 0, 128)}
}

// append adds a ready key to the set, growing the backing slice if
// needed.
func (r *readySet) append(k *selectionKey) {
	if r.size < len(r.keys) {
		r.keys[r.size] = k
	} else {
		r.keys = append(r.keys, k)
	}
	r.size++
}

// sizeOf returns the number of ready keys currently in the set.
func (r *readySet) sizeOf() int {
	return r.size
}

// get returns the ready key at index i. Callers must only call this for
// i < sizeOf().
func (r *readySet) get(i int) *selectionKey {
	return r.keys[i]
}

// reset zeroes the size and nils out every previously populated slot, so
// a closed channel referenced through a stale ready key can be collected.
func (r *readySet) reset() {
	for j := 0; j < r.size; j++ {
		r.keys[j] = nil
	}
	r.size = 0
}

// resetFrom nils out slots [0, i), moves the still-live keys [i, size) to
// the front and reduces the logical size by i (to 0 if i >= size). Used
// mid-cycle to let already-dispatched keys be released without discarding
// keys not yet walked.
func (r *readySet) resetFrom(i int) {
	for j := 0; j < i && j < len(r.keys); j++ {
		r.keys[j] = nil
	}
	if i < r.size {
		// Slots [i, size) remain live; compact them to the front so a
		// partially-consumed walk can resume indexing from 0.
		copy(r.keys, r.keys[i:r.size])
		for j := r.size - i; j < r.size; j++ {
			r.keys[j] = nil
		}
		r.size -= i
		return
	}
	r.size = 0
}
