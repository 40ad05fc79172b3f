package epqueue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Batch is the view a flush handler receives once a pending batch's
// debounce window elapses (or it is promoted and already ready).
type Batch struct {
	StreamID        string
	ConversationKey string
	BatchKey        string
	Target          any
	FirstMsg        any
	Contents        []string
	MsgIDs          []string
	AckStreamIDs    []string
}

// FlushHandler begins agent processing for a flushed batch. It runs
// outside any store lock.
type FlushHandler func(Batch)

// Store holds every stream, conversation and active-reply entry for one
// EP gateway process. It is the composition root's single stateful
// dependency for §4.5's debounce/batch machinery.
type Store struct {
	streams   *shardedMap[*StreamState]
	convs     *shardedMap[*conversationEntry]
	msgIndex  *shardedMap[string] // msgID -> streamID
	batchOwner *shardedMap[string] // batchKey -> conversationKey
	replies   *shardedMap[*activeReply]

	policy URLPolicy

	flushHandler atomic.Value // FlushHandler

	registered int32
	pruneStop  chan struct{}
	pruneDone  chan struct{}
	pruneMu    sync.Mutex
}

// NewStore creates an empty store. The flush handler may be nil at
// construction time and set later via SetFlushHandler (the gateway wires
// it once the agent driver exists).
func NewStore(policy URLPolicy) *Store {
	if policy == "" {
		policy = PolicyMulti
	}
	return &Store{
		streams:    newShardedMap[*StreamState](),
		convs:      newShardedMap[*conversationEntry](),
		msgIndex:   newShardedMap[string](),
		batchOwner: newShardedMap[string](),
		replies:    newShardedMap[*activeReply](),
		policy:     policy,
	}
}

// SetFlushHandler installs the callback invoked when a batch's debounce
// timer fires (or it is promoted already-ready). Call once before the
// first webhook is admitted.
func (s *Store) SetFlushHandler(h FlushHandler) {
	s.flushHandler.Store(h)
}

func (s *Store) handler() FlushHandler {
	h, _ := s.flushHandler.Load().(FlushHandler)
	return h
}

// Start registers a handler with the store and, on the first
// registration, starts the TTL pruner (spec §4.5.6: "every 60s when any
// handler is registered").
func (s *Store) Start() {
	if atomic.AddInt32(&s.registered, 1) != 1 {
		return
	}
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	s.pruneStop = make(chan struct{})
	s.pruneDone = make(chan struct{})
	go s.pruneLoop(s.pruneStop, s.pruneDone)
}

// Stop unregisters a handler, stopping the pruner once the last one
// leaves.
func (s *Store) Stop() {
	if atomic.AddInt32(&s.registered, -1) != 0 {
		return
	}
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	if s.pruneStop != nil {
		close(s.pruneStop)
		<-s.pruneDone
		s.pruneStop = nil
		s.pruneDone = nil
	}
}

func newStreamID() string {
	return uuid.New().String()
}

func (s *Store) newStream(conversationKey, batchKey string, routing Routing) *StreamState {
	now := time.Now()
	st := &StreamState{
		StreamID:        newStreamID(),
		ConversationKey: conversationKey,
		BatchKey:        batchKey,
		CreatedAt:       now,
		UpdatedAt:       now,
		FallbackMode:    FallbackNone,
		AgentMediaKeys:  make(map[string]struct{}),
		UserID:          routing.UserID,
		ChatType:        routing.ChatType,
		ChatID:          routing.ChatID,
		AIAgentID:       routing.AIAgentID,
		TaskKey:         routing.TaskKey,
	}
	s.streams.with(st.StreamID, func(m map[string]*StreamState) {
		m[st.StreamID] = st
	})
	return st
}

// AddPendingMessage admits one inbound message per §4.5.1. msgID may be
// empty when the caller has no dedupe key (e.g. a synthesized ack).
// target is opaque handler context (e.g. the resolved account/channel)
// carried through to the flush handler unchanged.
func (s *Store) AddPendingMessage(conversationKey string, msg any, content, msgID string, debounceMs int, routing Routing, target any) (streamID string, status Status) {
	s.convs.with(conversationKey, func(m map[string]*conversationEntry) {
		entry, ok := m[conversationKey]
		if !ok {
			// Case A: first ever, or idle after completion.
			stream := s.newStream(conversationKey, conversationKey, routing)
			pending := &pendingBatch{
				streamID:        stream.StreamID,
				conversationKey: conversationKey,
				batchKey:        conversationKey,
				target:          target,
				firstMsg:        msg,
				contents:        []string{content},
				msgIDs:          nonEmpty(msgID),
				createdAt:       time.Now(),
				debounce:        time.Duration(debounceMs) * time.Millisecond,
			}
			pending.timer = time.AfterFunc(pending.debounce, func() {
				s.RequestFlush(pending.batchKey)
			})
			m[conversationKey] = &conversationEntry{active: pending}
			s.batchOwner.with(conversationKey, func(bm map[string]string) { bm[conversationKey] = conversationKey })
			s.mapMsgID(msgID, stream.StreamID)
			streamID, status = stream.StreamID, StatusActiveNew
			return
		}

		if entry.active.batchKey == conversationKey {
			// Case B: the active batch is the initial batch. Its
			// first reply is already committed to EP; never merge
			// into it. Fall through to the queued-batch logic.
			streamID, status = s.admitIntoQueue(entry, conversationKey, msg, content, msgID, debounceMs, routing, target)
			return
		}

		if !s.streamStarted(entry.active.streamID) {
			// Case C: active batch is a promoted queued batch whose
			// stream has not started yet. Merge directly into it.
			s.mergeInto(entry.active, content, msgID)
			s.mapAckExempt(msgID)
			streamID, status = entry.active.streamID, StatusActiveMerged
			return
		}

		// Active batch already started; route to the queued slot.
		streamID, status = s.admitIntoQueue(entry, conversationKey, msg, content, msgID, debounceMs, routing, target)
	})
	return streamID, status
}

// admitIntoQueue implements Cases D and E: merge into an existing queued
// batch, or create a new one. Must be called with the conversation's
// stripe lock held.
func (s *Store) admitIntoQueue(entry *conversationEntry, conversationKey string, msg any, content, msgID string, debounceMs int, routing Routing, target any) (string, Status) {
	if entry.queued != nil {
		// Case D
		s.mergeInto(entry.queued, content, msgID)
		s.mapAckExempt(msgID)
		return entry.queued.streamID, StatusQueuedMerged
	}

	// Case E
	entry.nextSeq++
	batchKey := fmt.Sprintf("%s#q%d", conversationKey, entry.nextSeq)
	stream := s.newStream(conversationKey, batchKey, routing)
	pending := &pendingBatch{
		streamID:        stream.StreamID,
		conversationKey: conversationKey,
		batchKey:        batchKey,
		target:          target,
		firstMsg:        msg,
		contents:        []string{content},
		msgIDs:          nonEmpty(msgID),
		createdAt:       time.Now(),
		debounce:        time.Duration(debounceMs) * time.Millisecond,
	}
	pending.timer = time.AfterFunc(pending.debounce, func() {
		s.RequestFlush(pending.batchKey)
	})
	entry.queued = pending
	s.batchOwner.with(batchKey, func(bm map[string]string) { bm[batchKey] = conversationKey })
	s.mapMsgID(msgID, stream.StreamID)
	return stream.StreamID, StatusQueuedNew
}

// mergeInto appends a merged message's content/msg-id and reschedules
// the batch's debounce timer. Per §4.5.1, a merged msg-id is NOT mapped
// to the batch's stream (callers pass it through mapAckExempt instead,
// after creating the ack stream).
func (s *Store) mergeInto(p *pendingBatch, content, msgID string) {
	p.contents = append(p.contents, content)
	if msgID != "" {
		p.msgIDs = append(p.msgIDs, msgID)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	batchKey := p.batchKey
	p.timer = time.AfterFunc(p.debounce, func() {
		s.RequestFlush(batchKey)
	})
}

func (s *Store) lookupOwner(batchKey string) (string, bool) {
	var key string
	var ok bool
	s.batchOwner.with(batchKey, func(m map[string]string) {
		key, ok = m[batchKey]
	})
	return key, ok
}

func (s *Store) mapMsgID(msgID, streamID string) {
	if msgID == "" {
		return
	}
	s.msgIndex.with(msgID, func(m map[string]string) { m[msgID] = streamID })
}

// mapAckExempt is a documentation no-op: merged msg-ids are deliberately
// never written to msgIndex, so a retried POST for that msg-id is not
// treated as a dedupe hit against the batch's real stream.
func (s *Store) mapAckExempt(string) {}

func (s *Store) streamStarted(streamID string) bool {
	var started bool
	s.streams.with(streamID, func(m map[string]*StreamState) {
		if st, ok := m[streamID]; ok {
			st.mu.Lock()
			started = st.Started
			st.mu.Unlock()
		}
	})
	return started
}

func nonEmpty(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

// LookupStreamByMsgID returns the stream id already allocated for a
// msg-id, for EP-retry dedupe (§4.6, P2).
func (s *Store) LookupStreamByMsgID(msgID string) (string, bool) {
	var id string
	var ok bool
	s.msgIndex.with(msgID, func(m map[string]string) {
		id, ok = m[msgID]
	})
	return id, ok
}

// RequestFlush is invoked by a batch's debounce timer (§4.5.2). If the
// batch is currently active it flushes immediately; otherwise it is
// marked ready and waits for the active batch ahead of it to finish.
func (s *Store) RequestFlush(batchKey string) {
	convKey, ok := s.lookupOwner(batchKey)
	if !ok {
		return
	}

	var toFlush *Batch
	s.convs.with(convKey, func(m map[string]*conversationEntry) {
		entry, ok := m[convKey]
		if !ok {
			return
		}
		if entry.active != nil && entry.active.batchKey == batchKey {
			toFlush = s.drainForFlush(entry.active)
			return
		}
		if entry.queued != nil && entry.queued.batchKey == batchKey {
			entry.queued.readyToFlush = true
		}
	})

	if toFlush != nil {
		s.dispatchFlush(*toFlush)
	}
}

// drainForFlush extracts the batch's contents into a Batch view and
// clears the pending's mutable fields; it is "flushed" but the pendingBatch
// object itself stays reachable from entry.active until onStreamFinished
// so later admission decisions can still see its batchKey/streamID.
func (s *Store) drainForFlush(p *pendingBatch) *Batch {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	b := &Batch{
		StreamID:        p.streamID,
		ConversationKey: p.conversationKey,
		BatchKey:        p.batchKey,
		Target:          p.target,
		FirstMsg:        p.firstMsg,
		Contents:        p.contents,
		MsgIDs:          p.msgIDs,
		AckStreamIDs:    append([]string(nil), p.ackStreamIDs...),
	}
	p.contents = nil
	p.msgIDs = nil
	return b
}

func (s *Store) dispatchFlush(b Batch) {
	h := s.handler()
	if h == nil {
		return
	}
	go h(b)
}

// OnStreamFinished advances the conversation queue per §4.5.3.
func (s *Store) OnStreamFinished(streamID string) {
	var convKey, batchKey string
	s.streams.with(streamID, func(m map[string]*StreamState) {
		if st, ok := m[streamID]; ok {
			convKey, batchKey = st.ConversationKey, st.BatchKey
		}
	})
	if convKey == "" {
		return
	}

	var toFlush *Batch
	s.convs.with(convKey, func(m map[string]*conversationEntry) {
		entry, ok := m[convKey]
		if !ok || entry.active == nil || entry.active.batchKey != batchKey {
			return
		}
		if entry.queued == nil {
			delete(m, convKey)
			return
		}
		promoted := entry.queued
		entry.active = promoted
		entry.queued = nil
		if promoted.readyToFlush {
			toFlush = s.drainForFlush(promoted)
		}
	})

	if toFlush != nil {
		s.dispatchFlush(*toFlush)
	}
}

// NewAckStream allocates a bare stream not tied to any conversation or
// batch, for the synthetic "already merged, see earlier reply" ack
// stream §4.5.4/§4.6 describe. Unlike AddPendingMessage it schedules no
// debounce timer and never triggers a flush handler invocation.
func (s *Store) NewAckStream(routing Routing) string {
	st := s.newStream("", "", routing)
	return st.StreamID
}

// AddAckStreamForBatch registers an auxiliary ack stream id against the
// batch that a merged message landed in (§4.5.4).
func (s *Store) AddAckStreamForBatch(batchKey, ackStreamID string) {
	convKey, ok := s.lookupOwner(batchKey)
	if !ok {
		return
	}
	s.convs.with(convKey, func(m map[string]*conversationEntry) {
		entry, ok := m[convKey]
		if !ok {
			return
		}
		if entry.active != nil && entry.active.batchKey == batchKey {
			entry.active.ackStreamIDs = append(entry.active.ackStreamIDs, ackStreamID)
			return
		}
		if entry.queued != nil && entry.queued.batchKey == batchKey {
			entry.queued.ackStreamIDs = append(entry.queued.ackStreamIDs, ackStreamID)
		}
	})
}

// DrainAckStreams marks every ack stream registered for a batch as
// finished with the given completion hint, returning their ids.
func (s *Store) DrainAckStreams(batchKey, completionText string) []string {
	convKey, ok := s.lookupOwner(batchKey)
	if !ok {
		return nil
	}
	var ids []string
	s.convs.with(convKey, func(m map[string]*conversationEntry) {
		entry, ok := m[convKey]
		if !ok {
			return
		}
		if entry.active != nil && entry.active.batchKey == batchKey {
			ids = entry.active.ackStreamIDs
			entry.active.ackStreamIDs = nil
		} else if entry.queued != nil && entry.queued.batchKey == batchKey {
			ids = entry.queued.ackStreamIDs
			entry.queued.ackStreamIDs = nil
		}
	})
	for _, id := range ids {
		s.SetContent(id, completionText, true)
	}
	return ids
}
