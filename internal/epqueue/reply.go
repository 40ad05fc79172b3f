package epqueue

import "time"

// StoreReplyURL records a passive-reply URL for proactive stream
// pushes (§4.5.5). proxyURL may be empty when the account has no
// egress proxy configured.
func (s *Store) StoreReplyURL(streamID, responseURL, proxyURL string) {
	s.replies.with(streamID, func(m map[string]*activeReply) {
		m[streamID] = &activeReply{
			ResponseURL: responseURL,
			ProxyURL:    proxyURL,
			CreatedAt:   time.Now(),
		}
	})
}

// HasReplyURL reports whether a stream still has a usable reply URL on
// file.
func (s *Store) HasReplyURL(streamID string) bool {
	var ok bool
	s.replies.with(streamID, func(m map[string]*activeReply) {
		_, ok = m[streamID]
	})
	return ok
}

// UseReplyURL invokes f with the stored response/proxy URL pair,
// recording usedAt on success and lastError on failure. Under policy
// "once" a second call returns ErrReplyURLConsumed without invoking f;
// under "multi" (the default, per the core's current resolution of the
// open question in spec §9) repeated use is allowed.
func (s *Store) UseReplyURL(streamID string, f func(responseURL, proxyURL string) error) error {
	var reply *activeReply
	s.replies.with(streamID, func(m map[string]*activeReply) {
		reply = m[streamID]
	})
	if reply == nil {
		return ErrNoReplyURL
	}
	if s.policy == PolicyOnce && !reply.UsedAt.IsZero() {
		return ErrReplyURLConsumed
	}

	err := f(reply.ResponseURL, reply.ProxyURL)

	s.replies.with(streamID, func(m map[string]*activeReply) {
		r := m[streamID]
		if r == nil {
			return
		}
		r.UsedAt = time.Now()
		r.LastError = err
	})
	return err
}
