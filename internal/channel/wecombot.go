package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/xl370869-art/wecom/internal/bus"
	"github.com/xl370869-art/wecom/internal/config"
	"github.com/xl370869-art/wecom/internal/epclient"
	"github.com/xl370869-art/wecom/internal/epcrypt"
	"github.com/xl370869-art/wecom/internal/epdriver"
	"github.com/xl370869-art/wecom/internal/epqueue"
	"github.com/xl370869-art/wecom/internal/eptarget"
)

const (
	epChannelName      = "wecom"
	epDefaultPort      = 9886
	epMaxBodyBytes     = 1 << 20 // 1 MiB request-body cap (spec.md §5)
	epDefaultDebounce  = 1200    // ms
	epDefaultTableMode = epdriver.TableModePlain
)

// epAccount pairs one configured WeCom credential set with its decoded
// envelope key and (if Application mode is enabled) outbound client.
type epAccount struct {
	cfg    config.WeComAccount
	key    epcrypt.Key
	client *epclient.Client // nil when ApplicationEnabled() is false
}

// EPChannel serves both the passive Bot webhook (spec.md §4.6) and the
// active Application webhook (§4.7) for every configured account on
// one HTTP server, sharing one envelope codec, one conversation/stream
// store and one agent driver. It deliberately does not route through
// internal/bus for inbound traffic: the Bot protocol requires an
// encrypted stream placeholder emitted synchronously on the request
// path, and stream-refresh polls read live state directly out of the
// store — both are impossible to express through the bus's
// publish-then-subscribe flow the other channels use.
type EPChannel struct {
	BaseChannel
	cfg      config.WeComConfig
	accounts []*epAccount

	queue  *epqueue.Store
	driver *epdriver.Driver

	server *http.Server
	cancel context.CancelFunc

	appDedupe *appDedupeCache
}

func NewEPChannel(cfg config.WeComConfig, b *bus.MessageBus, runAgent epdriver.RunAgentFunc) (*EPChannel, error) {
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("wecom: at least one account must be configured")
	}

	allowFrom := make(map[string]struct{}, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allowFrom[id] = struct{}{}
	}

	accounts := make([]*epAccount, 0, len(cfg.Accounts))
	clientsByName := make(map[string]*epclient.Client, len(cfg.Accounts))
	for i := range cfg.Accounts {
		acct := cfg.Accounts[i]
		if strings.TrimSpace(acct.Token) == "" {
			return nil, fmt.Errorf("wecom account %q: token is required", acct.Name)
		}
		key, err := epcrypt.DecodeKey(acct.EncodingAESKey)
		if err != nil {
			return nil, fmt.Errorf("wecom account %q: %w", acct.Name, err)
		}
		ea := &epAccount{cfg: acct, key: key}
		if acct.ApplicationEnabled() {
			client, err := epclient.New(epclient.Options{
				BaseURL:       acct.APIBaseURL,
				CorpID:        acct.CorpID,
				CorpSecret:    acct.CorpSecret,
				ProxyURL:      cfg.Network.EgressProxyURL,
				Timeout:       time.Duration(cfg.Network.TimeoutSeconds) * time.Second,
				MediaMaxBytes: cfg.Network.MediaMaxBytes,
			})
			if err != nil {
				return nil, fmt.Errorf("wecom account %q: init client: %w", acct.Name, err)
			}
			ea.client = client
			clientsByName[acct.Name] = client
		}
		accounts = append(accounts, ea)
	}

	queue := epqueue.NewStore(epqueue.PolicyMulti)
	driver := &epdriver.Driver{
		Queue: queue,
		Client: func(acct *config.WeComAccount) (*epclient.Client, error) {
			if acct == nil {
				return nil, fmt.Errorf("wecom: no account on dispatch context")
			}
			if c, ok := clientsByName[acct.Name]; ok {
				return c, nil
			}
			return nil, fmt.Errorf("wecom account %q: application mode not configured", acct.Name)
		},
		RunAgent:  runAgent,
		Media:     newFileMediaSink(""),
		TableMode: epDefaultTableMode,
		AllowFrom: allowFrom,
	}
	queue.SetFlushHandler(driver.Dispatch)

	return &EPChannel{
		BaseChannel: NewBaseChannel(epChannelName, b, cfg.AllowFrom),
		cfg:         cfg,
		accounts:    accounts,
		queue:       queue,
		driver:      driver,
		appDedupe:   newAppDedupeCache(10 * time.Minute),
	}, nil
}

func (e *EPChannel) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.queue.Start()

	port := e.cfg.Port
	if port == 0 {
		port = epDefaultPort
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/wecom", e.handleBot)
	mux.HandleFunc("/wecom/bot", e.handleBot)
	mux.HandleFunc("/wecom/agent", e.handleApplication)

	e.server = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		log.Printf("[wecom] ep callback server listening on :%d", port)
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[wecom] server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = e.server.Close()
	}()

	return nil
}

func (e *EPChannel) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.server != nil {
		_ = e.server.Close()
	}
	e.queue.Stop()
	log.Printf("[wecom] ep channel stopped")
	return nil
}

// Send delivers a proactively-originated message (e.g. a cron job or
// memory-engine notification) via the Application API; the Bot side is
// passive-only and has no outbound path outside an active stream
// (spec.md §4.9's "unconfigured Application fallback" row applies here
// too when no account has Application mode enabled).
func (e *EPChannel) Send(msg bus.OutboundMessage) error {
	acct := e.accountForSend(msg)
	if acct == nil || acct.client == nil {
		return fmt.Errorf("wecom: no application-mode account available to send to %q", msg.ChatID)
	}
	target := eptarget.Resolve(msg.ChatID)
	if target.Kind == eptarget.KindChat {
		return fmt.Errorf("wecom: refusing outbound send to a group chat id (spec.md §4.9)")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return acct.client.SendText(ctx, acct.cfg.AgentID, target, msg.Content)
}

func (e *EPChannel) accountForSend(msg bus.OutboundMessage) *epAccount {
	if name, ok := msg.Metadata["account"].(string); ok && name != "" {
		for _, a := range e.accounts {
			if a.cfg.Name == name {
				return a
			}
		}
		return nil
	}
	for _, a := range e.accounts {
		if a.client != nil {
			return a
		}
	}
	return nil
}

// resolveAccount finds the first configured account whose signature
// verifies over the given parameters (spec.md §4.6: "the first whose
// signature-verification succeeds... is the recipient").
func (e *EPChannel) resolveAccount(timestamp, nonce, data, sig string) *epAccount {
	for _, a := range e.accounts {
		if epcrypt.Verify(a.cfg.Token, timestamp, nonce, data, sig) {
			return a
		}
	}
	return nil
}

func sigParam(q func(string) string) string {
	return epcrypt.SignatureParam(q)
}

func (e *EPChannel) handleBot(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		e.handleBotVerify(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	e.handleBotMessage(w, r)
}

func (e *EPChannel) handleBotVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")
	sig := sigParam(q.Get)

	acct := e.resolveAccount(timestamp, nonce, echostr, sig)
	if acct == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	plaintext, _, err := epcrypt.Decrypt(acct.key, echostr, acct.cfg.ReceiveID)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(plaintext))
}

type botEnvelope struct {
	Encrypt string `json:"encrypt"`
}

func (e *EPChannel) handleBotMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, epMaxBodyBytes+1))
	if err != nil || int64(len(body)) > epMaxBodyBytes {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var env botEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	sig := sigParam(q.Get)

	acct := e.resolveAccount(timestamp, nonce, env.Encrypt, sig)
	if acct == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	plaintext, _, err := epcrypt.Decrypt(acct.key, env.Encrypt, acct.cfg.ReceiveID)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	e.dispatchBotMessage(w, acct, timestamp, nonce, plaintext)
}

// dispatchBotMessage implements the msgtype branches of spec.md §4.6.
func (e *EPChannel) dispatchBotMessage(w http.ResponseWriter, acct *epAccount, timestamp, nonce, plaintext string) {
	root := gjson.Parse(plaintext)
	msgType := root.Get("msgtype").String()
	msgID := root.Get("msgid").String()
	responseURL := firstNonEmpty(root.Get("response_url").String(), root.Get("responseurl").String())
	userID := firstNonEmpty(
		root.Get("from.userid").String(),
		root.Get("fromuserid").String(),
		root.Get("from_userid").String(),
		root.Get("fromUserId").String(),
	)
	chatType := "direct"
	if root.Get("chattype").String() == "group" {
		chatType = "group"
	}
	chatID := root.Get("chatid").String()
	aiBotID := root.Get("aibotid").String()

	switch msgType {
	case "event":
		e.handleBotEvent(w, acct, timestamp, nonce, root, msgID, responseURL, userID, chatType, chatID, aiBotID)
		return
	case "stream":
		e.handleStreamRefresh(w, acct, timestamp, nonce, root.Get("stream.id").String())
		return
	}

	if streamID, ok := e.queue.LookupStreamByMsgID(msgID); ok && msgID != "" {
		e.replyPlaceholder(w, acct, timestamp, nonce, streamID)
		return
	}

	body, rawBody := buildInboundBody(root, msgType)
	conversationKey := fmt.Sprintf("%s:%s:%s", aiBotID, chatType, firstNonEmpty(chatID, userID))
	routing := epqueue.Routing{UserID: userID, ChatType: chatType, ChatID: chatID, AIAgentID: aiBotID, TaskKey: conversationKey}
	dc := &epdriver.DispatchContext{
		Account:    &acct.cfg,
		ChatType:   chatType,
		ChatID:     chatID,
		UserID:     userID,
		SessionKey: conversationKey,
		RawBody:    rawBody,
	}
	if media := extractBotMedia(root, msgType); media != nil {
		dc.Attachment = media
	}

	streamID, status := e.queue.AddPendingMessage(conversationKey, root.Value(), body, msgID, epDefaultDebounce, routing, dc)
	if responseURL != "" {
		e.queue.StoreReplyURL(streamID, responseURL, e.cfg.Network.EgressProxyURL)
	}

	switch status {
	case epqueue.StatusActiveNew:
		content := acct.cfg.StreamPlaceholderContent
		if content == "" {
			content = "1"
		}
		e.queue.SetContent(streamID, content, false)
	case epqueue.StatusQueuedNew:
		e.queue.SetContent(streamID, "已收到，已排队处理中...", false)
	case epqueue.StatusActiveMerged, epqueue.StatusQueuedMerged:
		ackStreamID := e.queue.NewAckStream(routing)
		e.queue.MarkStarted(ackStreamID)
		e.queue.SetContent(ackStreamID, "已收到，已合并排队处理中...", false)
		if snap, ok := e.queue.Snapshot(streamID); ok {
			e.queue.AddAckStreamForBatch(snap.BatchKey, ackStreamID)
		}
		streamID = ackStreamID
	}

	e.replyPlaceholder(w, acct, timestamp, nonce, streamID)
}

func (e *EPChannel) handleBotEvent(w http.ResponseWriter, acct *epAccount, timestamp, nonce string, root gjson.Result, msgID, responseURL, userID, chatType, chatID, aiBotID string) {
	eventType := root.Get("event.eventtype").String()

	switch eventType {
	case "template_card_event":
		if _, ok := e.queue.LookupStreamByMsgID(msgID); ok && msgID != "" {
			e.replyEmpty(w, acct, timestamp, nonce)
			return
		}
		card := root.Get("event.template_card_event")
		synthetic := fmt.Sprintf("[template_card_event] key=%s task=%s selections=%s",
			card.Get("event_key").String(), card.Get("task_id").String(), card.Get("selected_items").Raw)
		conversationKey := fmt.Sprintf("%s:%s:%s", aiBotID, chatType, firstNonEmpty(chatID, userID))
		routing := epqueue.Routing{UserID: userID, ChatType: chatType, ChatID: chatID, AIAgentID: aiBotID, TaskKey: conversationKey}
		dc := &epdriver.DispatchContext{
			Account: &acct.cfg, ChatType: chatType, ChatID: chatID, UserID: userID,
			SessionKey: conversationKey, RawBody: synthetic,
		}
		streamID, _ := e.queue.AddPendingMessage(conversationKey, root.Value(), synthetic, msgID, epDefaultDebounce, routing, dc)
		e.queue.MarkStarted(streamID)
		if responseURL != "" {
			e.queue.StoreReplyURL(streamID, responseURL, e.cfg.Network.EgressProxyURL)
		}
		e.replyEmpty(w, acct, timestamp, nonce)
		return
	case "enter_chat":
		if acct.cfg.WelcomeText != "" {
			e.replyEncrypted(w, acct, timestamp, nonce, map[string]any{"msgtype": "text", "text": map[string]string{"content": acct.cfg.WelcomeText}})
			return
		}
		e.replyEmpty(w, acct, timestamp, nonce)
		return
	default:
		e.replyEmpty(w, acct, timestamp, nonce)
	}
}

func (e *EPChannel) handleStreamRefresh(w http.ResponseWriter, acct *epAccount, timestamp, nonce, streamID string) {
	snap, ok := e.queue.Snapshot(streamID)
	if !ok {
		e.replyEmpty(w, acct, timestamp, nonce)
		return
	}
	payload := map[string]any{
		"msgtype": "stream",
		"stream": map[string]any{
			"id":      streamID,
			"finish":  snap.Finished,
			"content": snap.Content,
		},
	}
	if snap.Finished && len(snap.Images) > 0 {
		payload["stream"].(map[string]any)["msg_item"] = imagesToMsgItems(snap.Images)
	}
	e.replyEncrypted(w, acct, timestamp, nonce, payload)
}

func (e *EPChannel) replyPlaceholder(w http.ResponseWriter, acct *epAccount, timestamp, nonce, streamID string) {
	snap, _ := e.queue.Snapshot(streamID)
	payload := map[string]any{
		"msgtype": "stream",
		"stream": map[string]any{
			"id":      streamID,
			"finish":  snap.Finished,
			"content": snap.Content,
		},
	}
	e.replyEncrypted(w, acct, timestamp, nonce, payload)
}

func (e *EPChannel) replyEmpty(w http.ResponseWriter, acct *epAccount, timestamp, nonce string) {
	e.replyEncrypted(w, acct, timestamp, nonce, nil)
}

func (e *EPChannel) replyEncrypted(w http.ResponseWriter, acct *epAccount, timestamp, nonce string, payload any) {
	var plaintext string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		plaintext = string(b)
	}
	encrypted, err := epcrypt.Encrypt(acct.key, plaintext, acct.cfg.ReceiveID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	sig := epcrypt.Sign(acct.cfg.Token, timestamp, nonce, encrypted)
	out, err := json.Marshal(map[string]string{
		"encrypt":      encrypted,
		"msgsignature": sig,
		"timestamp":    timestamp,
		"nonce":        nonce,
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(out)
}

func imagesToMsgItems(images []epqueue.ImageItem) []map[string]any {
	items := make([]map[string]any, 0, len(images))
	for _, img := range images {
		items = append(items, map[string]any{
			"msgtype": "image",
			"image":   map[string]string{"base64": img.Base64, "md5": img.MD5},
		})
	}
	return items
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// buildInboundBody implements spec.md §4.8 step 1: synthesize the raw
// agent-visible text for each recognized msgtype, returning both the
// formatted body (with quote appended) and the unformatted raw text
// used by the local-path pre-intent guard.
func buildInboundBody(root gjson.Result, msgType string) (body, rawBody string) {
	switch msgType {
	case "text":
		rawBody = root.Get("text.content").String()
		body = rawBody
	case "voice":
		if c := root.Get("voice.content").String(); c != "" {
			rawBody = c
		} else {
			rawBody = "[voice]"
		}
		body = rawBody
	case "image":
		rawBody = root.Get("image.url").String()
		body = "[image] " + rawBody
	case "file":
		rawBody = root.Get("file.url").String()
		body = "[file] " + rawBody
	case "mixed":
		var lines []string
		root.Get("mixed.msg_item").ForEach(func(_, item gjson.Result) bool {
			switch item.Get("msgtype").String() {
			case "text":
				lines = append(lines, item.Get("text.content").String())
			case "image":
				lines = append(lines, "[image] "+item.Get("image.url").String())
			case "file":
				lines = append(lines, "[file] "+item.Get("file.url").String())
			}
			return true
		})
		body = strings.Join(lines, "\n")
		rawBody = body
	case "event":
		body = "[event] " + root.Get("event.eventtype").String()
		rawBody = body
	case "stream":
		body = "[stream_refresh] " + root.Get("stream.id").String()
		rawBody = body
	default:
		body = "[" + msgType + "]"
		rawBody = body
	}

	if quote := root.Get("quote").String(); quote != "" {
		body += "\n\n> " + quote
	}
	return body, rawBody
}

// extractBotMedia pulls the first attached media reference (image or
// file) so the driver can decrypt/forward it (spec.md §4.8 step 2).
// Mixed messages surface only the first item per the spec.
func extractBotMedia(root gjson.Result, msgType string) *epdriver.InboundMedia {
	switch msgType {
	case "image":
		if url := root.Get("image.url").String(); url != "" {
			return &epdriver.InboundMedia{Kind: "image", URL: url}
		}
	case "file":
		if url := root.Get("file.url").String(); url != "" {
			return &epdriver.InboundMedia{Kind: "file", URL: url}
		}
	case "mixed":
		var found *epdriver.InboundMedia
		root.Get("mixed.msg_item").ForEach(func(_, item gjson.Result) bool {
			switch item.Get("msgtype").String() {
			case "image":
				found = &epdriver.InboundMedia{Kind: "image", URL: item.Get("image.url").String()}
				return false
			case "file":
				found = &epdriver.InboundMedia{Kind: "file", URL: item.Get("file.url").String()}
				return false
			}
			return true
		})
		return found
	}
	return nil
}

// appDedupeCache is the Application channel's 10-minute msgId dedupe
// map (spec.md §4.7).
type appDedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func newAppDedupeCache(ttl time.Duration) *appDedupeCache {
	return &appDedupeCache{ttl: ttl, entries: make(map[string]time.Time)}
}

func (c *appDedupeCache) SeenOrMark(msgID string) bool {
	if msgID == "" {
		return false
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, t := range c.entries {
		if now.Sub(t) > c.ttl {
			delete(c.entries, k)
		}
	}
	if _, ok := c.entries[msgID]; ok {
		return true
	}
	c.entries[msgID] = now
	return false
}
