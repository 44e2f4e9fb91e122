package service

import (
	"vela/domain/segment"
)

// Export returns the committed exchange state blob plus a copy of every
// reachable segment: the registry chain, the event queue, each market's
// book, pool and match queue, and every registered user segment. The
// copy is taken under the instruction mutex, so it is a consistent
// point-in-time image.
func (e *Engine) Export() ([]byte, []*segment.Segment, error) {
	var state []byte
	var segs []*segment.Segment
	err := e.view(func(t *txn) error {
		state = append([]byte(nil), e.stateBlob...)

		ids := []segment.ID{t.state.UserListEntry, t.state.EventQueue}
		ids = append(ids, t.state.UserListPages...)
		for i := range t.state.Markets {
			m := &t.state.Markets[i]
			if !m.Valid {
				continue
			}
			ids = append(ids, m.OrderBook, m.OrderPoolEntry, m.MatchQueue)
			ids = append(ids, m.OrderPoolPages...)
		}

		reg, err := t.registry()
		if err != nil {
			return err
		}
		if err := reg.Walk(func(userState segment.ID, serial uint32) bool {
			ids = append(ids, userState)
			return true
		}); err != nil {
			return err
		}

		for _, id := range ids {
			s, err := t.seg(id)
			if err != nil {
				return err
			}
			segs = append(segs, &segment.Segment{
				ID:   s.ID,
				Data: append([]byte(nil), s.Data...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return state, segs, nil
}
