package epqueue

import (
	"time"
	"unicode/utf8"
)

func (s *Store) stream(streamID string) *StreamState {
	var st *StreamState
	s.streams.with(streamID, func(m map[string]*StreamState) {
		st = m[streamID]
	})
	return st
}

// Snapshot returns a read-only copy of a stream's current state, or
// false if the stream is unknown (already pruned or never existed).
func (s *Store) Snapshot(streamID string) (Snapshot, bool) {
	st := s.stream(streamID)
	if st == nil {
		return Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{
		StreamID:        st.StreamID,
		MsgID:           st.MsgID,
		ConversationKey: st.ConversationKey,
		BatchKey:        st.BatchKey,
		UserID:          st.UserID,
		ChatType:        st.ChatType,
		ChatID:          st.ChatID,
		AIAgentID:       st.AIAgentID,
		TaskKey:         st.TaskKey,
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
		Started:         st.Started,
		Finished:        st.Finished,
		Error:           st.Error,
		Content:         string(st.Content),
		Images:          append([]ImageItem(nil), st.Images...),
		DMContent:       string(st.DMContent),
		FallbackMode:    st.FallbackMode,
	}, true
}

// MarkStarted flags a stream as having begun agent processing.
func (s *Store) MarkStarted(streamID string) {
	st := s.stream(streamID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.Started = true
	st.UpdatedAt = time.Now()
	st.mu.Unlock()
}

// AppendContent grows the visible stream content, right-truncating to
// StreamMaxBytes on a valid UTF-8 boundary (invariant 4/9: monotonic,
// bounded, never malformed at the cut).
func (s *Store) AppendContent(streamID, text string) {
	st := s.stream(streamID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.Finished {
		return
	}
	st.Content = truncateRightUTF8(append(st.Content, text...), StreamMaxBytes)
	st.UpdatedAt = time.Now()
}

// SetContent overwrites the visible content outright (used for
// placeholders, ack-stream completion hints and fallback prompts) and
// optionally marks the stream finished. finished is monotonic: once
// true it cannot be cleared.
func (s *Store) SetContent(streamID, text string, finished bool) {
	st := s.stream(streamID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Content = truncateRightUTF8([]byte(text), StreamMaxBytes)
	if finished {
		st.Finished = true
	}
	st.UpdatedAt = time.Now()
}

// AppendDMContent grows the Application-DM fallback accumulator, capped
// at DMMaxBytes independently of the visible stream truncation
// (invariant 5).
func (s *Store) AppendDMContent(streamID, text string) {
	st := s.stream(streamID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.DMContent = truncateRightUTF8(append(st.DMContent, text...), DMMaxBytes)
	st.UpdatedAt = time.Now()
}

// AppendImage records one inline image attached to a stream's frame.
func (s *Store) AppendImage(streamID string, img ImageItem) {
	st := s.stream(streamID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.Images = append(st.Images, img)
	st.UpdatedAt = time.Now()
	st.mu.Unlock()
}

// MarkMediaSent records a media key as already DM-forwarded for a
// stream, returning false if it was already recorded (invariant 6:
// agentMediaKeys deduplicates DM media transmissions).
func (s *Store) MarkMediaSent(streamID, mediaKey string) bool {
	st := s.stream(streamID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.AgentMediaKeys[mediaKey]; ok {
		return false
	}
	st.AgentMediaKeys[mediaKey] = struct{}{}
	return true
}

// SetFallback switches a stream into a fallback mode and records when
// the fallback prompt was first written, returning false if the stream
// was already in (any) fallback so the caller does not push the prompt
// twice.
func (s *Store) SetFallback(streamID string, mode FallbackMode) bool {
	st := s.stream(streamID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.FallbackMode != FallbackNone {
		return false
	}
	st.FallbackMode = mode
	st.FallbackPromptSentAt = time.Now()
	return true
}

// Finish marks a stream finished, optionally recording an error.
func (s *Store) Finish(streamID, errMsg string) {
	st := s.stream(streamID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.Finished = true
	if errMsg != "" {
		st.Error = errMsg
		st.FallbackMode = FallbackError
	}
	st.UpdatedAt = time.Now()
	st.mu.Unlock()
}

// MarkFinalDelivered records that the timeout-fallback final DM chunking
// has already run for this stream (finalization is one-shot).
func (s *Store) MarkFinalDelivered(streamID string) bool {
	st := s.stream(streamID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.FinalDeliveredAt.IsZero() {
		return false
	}
	st.FinalDeliveredAt = time.Now()
	return true
}

// truncateRightUTF8 keeps only the rightmost max bytes of data, walking
// forward to the next valid rune boundary so the result is never
// malformed UTF-8 at the cut (spec §9).
func truncateRightUTF8(data []byte, max int) []byte {
	if len(data) <= max {
		return data
	}
	cut := len(data) - max
	for cut < len(data) && !utf8.RuneStart(data[cut]) {
		cut++
	}
	out := make([]byte, len(data)-cut)
	copy(out, data[cut:])
	return out
}
