package epqueue

import "time"

func (s *Store) pruneLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

// prune removes stream entries past their TTL, reaps dangling msg-id
// mappings, expires stale reply URLs and discards pending batches and
// conversation entries that have gone idle (§4.5.6).
func (s *Store) prune() {
	now := time.Now()
	dead := make(map[string]struct{})

	s.streams.withAll(func(m map[string]*StreamState) {
		for id, st := range m {
			st.mu.Lock()
			expired := now.Sub(st.UpdatedAt) > streamTTL
			st.mu.Unlock()
			if expired {
				dead[id] = struct{}{}
				delete(m, id)
			}
		}
	})

	s.msgIndex.withAll(func(m map[string]string) {
		for msgID, streamID := range m {
			if _, ok := dead[streamID]; ok {
				delete(m, msgID)
			}
		}
	})

	s.replies.withAll(func(m map[string]*activeReply) {
		for id, r := range m {
			if now.Sub(r.CreatedAt) > replyTTL {
				delete(m, id)
			}
		}
	})

	s.convs.withAll(func(m map[string]*conversationEntry) {
		for key, entry := range m {
			if entry.active != nil && now.Sub(entry.active.createdAt) > pendingTTL {
				if entry.active.timer != nil {
					entry.active.timer.Stop()
				}
				s.batchOwner.with(entry.active.batchKey, func(bm map[string]string) {
					delete(bm, entry.active.batchKey)
				})
				entry.active = nil
			}
			if entry.queued != nil && now.Sub(entry.queued.createdAt) > pendingTTL {
				if entry.queued.timer != nil {
					entry.queued.timer.Stop()
				}
				s.batchOwner.with(entry.queued.batchKey, func(bm map[string]string) {
					delete(bm, entry.queued.batchKey)
				})
				entry.queued = nil
			}
			if entry.active == nil && entry.queued == nil {
				delete(m, key)
			}
		}
	})
}
