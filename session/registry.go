package session

import "sort"

// registry is the triple-indexed Torrent set named in §4.J: by a stable
// process-lifetime id, by info hash, and an ordered set for shutdown and
// listing. It is guarded by Session.mu for the brief map mutations; a
// Torrent's own fields are only touched on the event goroutine, per §5's
// "Torrent registry is guarded by the session mutex for the brief map
// mutations; all contents of Torrent are modified only on the event thread."
type registry struct {
	nextID   int
	byID     map[int]*Torrent
	byHash   map[[20]byte]*Torrent
	ordered  []*Torrent
}

func newRegistry() *registry {
	return &registry{
		byID:   map[int]*Torrent{},
		byHash: map[[20]byte]*Torrent{},
	}
}

func (r *registry) add(t *Torrent) {
	r.nextID++
	t.ID = r.nextID
	r.byID[t.ID] = t
	r.byHash[t.InfoHash] = t
	r.ordered = append(r.ordered, t)
}

func (r *registry) remove(t *Torrent) {
	delete(r.byID, t.ID)
	delete(r.byHash, t.InfoHash)
	for i, o := range r.ordered {
		if o == t {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
}

func (r *registry) byInfoHash(h [20]byte) (*Torrent, bool) {
	t, ok := r.byHash[h]
	return t, ok
}

func (r *registry) byTorrentID(id int) (*Torrent, bool) {
	t, ok := r.byID[id]
	return t, ok
}

func (r *registry) all() []*Torrent {
	out := make([]*Torrent, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// byActivityDesc returns every torrent ordered by (uploaded+downloaded)
// descending, the ordering §4.J's shutdown sequence step 2 requires so the
// biggest contributors stop first.
func (r *registry) byActivityDesc() []*Torrent {
	out := r.all()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].totalActivity() > out[j].totalActivity()
	})
	return out
}
