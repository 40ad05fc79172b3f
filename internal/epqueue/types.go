// Package epqueue implements the conversation debounce/batch state machine
// shared by the Bot and Application channels: stream bookkeeping, pending
// batch admission, ack streams and the passive-reply URL store.
package epqueue

import (
	"sync"
	"time"
)

// Status values returned by AddPendingMessage, matching the admission cases
// described alongside it.
type Status string

const (
	StatusActiveNew    Status = "active_new"
	StatusActiveMerged Status = "active_merged"
	StatusQueuedNew    Status = "queued_new"
	StatusQueuedMerged Status = "queued_merged"
)

// FallbackMode records why a stream stopped delivering content over the
// passive channel and switched to a DM/timeout fallback.
type FallbackMode string

const (
	FallbackNone    FallbackMode = "none"
	FallbackMedia   FallbackMode = "media"
	FallbackTimeout FallbackMode = "timeout"
	FallbackError   FallbackMode = "error"
)

// ImageItem is one accumulated inline image attached to a stream's final
// or intermediate frame.
type ImageItem struct {
	Base64 string
	MD5    string
}

// Routing carries the per-message addressing context a handler already
// resolved from the decrypted envelope, stamped onto the stream it
// allocates.
type Routing struct {
	UserID    string
	ChatType  string // "direct" or "group"
	ChatID    string
	AIAgentID string
	TaskKey   string
}

// StreamState is one passive-stream slot allocated to an inbound message.
type StreamState struct {
	mu sync.Mutex

	StreamID string
	MsgID    string

	ConversationKey string
	BatchKey        string
	UserID          string
	ChatType        string // "direct" or "group"
	ChatID          string
	AIAgentID       string
	TaskKey         string

	CreatedAt time.Time
	UpdatedAt time.Time
	Started   bool
	Finished  bool
	Error     string

	Content        []byte // right-truncated to StreamMaxBytes
	Images         []ImageItem
	DMContent      []byte // left-to-right accumulation, capped at DMMaxBytes
	AgentMediaKeys map[string]struct{}

	FallbackMode         FallbackMode
	FallbackPromptSentAt time.Time
	FinalDeliveredAt     time.Time
}

// Snapshot is an immutable copy of a StreamState safe to read without
// holding the stream's lock.
type Snapshot struct {
	StreamID        string
	MsgID           string
	ConversationKey string
	BatchKey        string
	UserID          string
	ChatType        string
	ChatID          string
	AIAgentID       string
	TaskKey         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Started         bool
	Finished        bool
	Error           string
	Content         string
	Images          []ImageItem
	DMContent       string
	FallbackMode    FallbackMode
}

// pendingBatch is one batch of inbound content awaiting a debounce flush.
type pendingBatch struct {
	streamID        string
	conversationKey string
	batchKey        string
	target          any // opaque handler context (e.g. *eptarget.Target or account/channel info)
	firstMsg        any
	contents        []string
	msgIDs          []string
	createdAt       time.Time
	debounce        time.Duration
	timer           *time.Timer
	readyToFlush    bool
	ackStreamIDs    []string
}

// conversationEntry is one active conversation.
type conversationEntry struct {
	active  *pendingBatch
	queued  *pendingBatch
	nextSeq int
}

// activeReply is a passive-reply URL kept for proactive stream updates.
type activeReply struct {
	ResponseURL string
	ProxyURL    string
	CreatedAt   time.Time
	UsedAt      time.Time
	LastError   error
}

// URLPolicy governs how many times a stored response URL may be used.
type URLPolicy string

const (
	PolicyOnce  URLPolicy = "once"
	PolicyMulti URLPolicy = "multi"
)

const (
	// StreamMaxBytes caps the visible Bot-stream content.
	StreamMaxBytes = 20 * 1024
	// DMMaxBytes caps the DM-fallback accumulation.
	DMMaxBytes = 200 * 1024

	streamTTL  = 10 * time.Minute
	replyTTL   = 60 * time.Minute
	pendingTTL = 10 * time.Minute
	pruneEvery = 60 * time.Second
)
