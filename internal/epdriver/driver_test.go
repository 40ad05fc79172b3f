package epdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/xl370869-art/wecom/internal/config"
	"github.com/xl370869-art/wecom/internal/epclient"
	"github.com/xl370869-art/wecom/internal/epqueue"
)

func newTestDriver(t *testing.T, run RunAgentFunc) *Driver {
	t.Helper()
	return &Driver{
		Queue: epqueue.NewStore(epqueue.PolicyMulti),
		Client: func(account *config.WeComAccount) (*epclient.Client, error) {
			return nil, nil
		},
		RunAgent: run,
	}
}

func TestConvertMarkdownTables_Plain(t *testing.T) {
	in := "intro\n| a | b |\n|---|---|\n| 1 | 2 |\noutro"
	got := convertMarkdownTables(in, TableModePlain)
	if !strings.Contains(got, "a: 1") || !strings.Contains(got, "b: 2") {
		t.Fatalf("expected flattened row, got %q", got)
	}
	if strings.Contains(got, "|---|") {
		t.Fatalf("expected table markup removed, got %q", got)
	}
}

func TestConvertMarkdownTables_ASCII(t *testing.T) {
	in := "| name | age |\n|---|---|\n| ann | 30 |"
	got := convertMarkdownTables(in, TableModeASCII)
	if !strings.Contains(got, "| name") || !strings.Contains(got, "| ann") {
		t.Fatalf("expected ascii table rendering, got %q", got)
	}
}

func TestConvertMarkdownTables_Off(t *testing.T) {
	in := "| a | b |\n|---|---|\n| 1 | 2 |"
	got := convertMarkdownTables(in, TableModeOff)
	if got != in {
		t.Fatalf("expected passthrough when mode is off, got %q", got)
	}
}

func TestThinkTagProtection_RoundTrip(t *testing.T) {
	in := "before <think>secret | table | stuff</think> after"
	protected, spans := protectThinkTags(in)
	if strings.Contains(protected, "secret") {
		t.Fatalf("expected think content hidden during protection, got %q", protected)
	}
	restored := restoreThinkTags(protected, spans)
	if restored != in {
		t.Fatalf("expected exact round trip, got %q want %q", restored, in)
	}
}

func TestThinkTagProtection_SurvivesTableConversion(t *testing.T) {
	in := "<think>\n| a | b |\n|---|---|\n| 1 | 2 |\n</think>\nreal text"
	protected, spans := protectThinkTags(in)
	converted := convertMarkdownTables(protected, TableModePlain)
	restored := restoreThinkTags(converted, spans)
	if !strings.Contains(restored, "|---|") {
		t.Fatalf("expected think-tag table markup untouched, got %q", restored)
	}
}

func TestParseTemplateCard(t *testing.T) {
	raw := `{"template_card":{"card_type":"text_notice","main_title":{"title":"t","desc":"d"},"sub_title_text":"s","button_list":[{"text":"ok"}]}}`
	card, ok := parseTemplateCard(raw)
	if !ok {
		t.Fatal("expected card to parse")
	}
	if card.MainTitle.Title != "t" || card.MainTitle.Desc != "d" || card.SubTitleText != "s" {
		t.Fatalf("unexpected card fields: %+v", card)
	}
	if len(card.ButtonList) != 1 || card.ButtonList[0].Text != "ok" {
		t.Fatalf("unexpected button list: %+v", card.ButtonList)
	}
}

func TestParseTemplateCard_RejectsPlainText(t *testing.T) {
	if _, ok := parseTemplateCard("just some text"); ok {
		t.Fatal("expected non-JSON text to be rejected")
	}
	if _, ok := parseTemplateCard(`{"foo":"bar"}`); ok {
		t.Fatal("expected JSON without template_card key to be rejected")
	}
}

func TestRenderCardAsText(t *testing.T) {
	card := &templateCard{}
	card.MainTitle.Title = "Title"
	card.MainTitle.Desc = "Desc"
	card.ButtonList = []struct {
		Text string `json:"text"`
	}{{Text: "Yes"}, {Text: "No"}}
	got := renderCardAsText(card)
	if !strings.Contains(got, "Title") || !strings.Contains(got, "Desc") || !strings.Contains(got, "Yes") || !strings.Contains(got, "No") {
		t.Fatalf("expected flattened card text, got %q", got)
	}
}

func TestFindLocalImagePaths(t *testing.T) {
	text := "see /tmp/plot.png and /Users/a/doc.pdf and /tmp/photo.JPG"
	got := findLocalImagePaths(text)
	if len(got) != 1 {
		t.Fatalf("expected exactly one image path match (case-sensitive extension), got %v", got)
	}
	if got[0] != "/tmp/plot.png" {
		t.Fatalf("unexpected match: %v", got)
	}
}

func TestHasSendIntent(t *testing.T) {
	if !hasSendIntent("请帮我发送这个文件 /tmp/a.txt") {
		t.Fatal("expected send-intent match")
	}
	if hasSendIntent("随便聊聊 /tmp/a.txt") {
		t.Fatal("expected no send-intent match")
	}
}

func TestChunkUTF8_RespectsRuneBoundaries(t *testing.T) {
	s := strings.Repeat("世界", 5000)
	for _, c := range chunkUTF8(s, 100) {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk is not valid utf8: %q", c)
		}
		if len(c) > 100 {
			t.Fatalf("chunk exceeds max: %d bytes", len(c))
		}
	}
}

func TestAuthorizeCommand_EmptyAllowListAllowsAll(t *testing.T) {
	d := newTestDriver(t, nil)
	if !d.authorizeCommand("anyone") {
		t.Fatal("expected empty allow-list to permit any user")
	}
}

func TestAuthorizeCommand_RestrictsToAllowList(t *testing.T) {
	d := newTestDriver(t, nil)
	d.AllowFrom = map[string]struct{}{"alice": {}}
	if !d.authorizeCommand("alice") {
		t.Fatal("expected alice to be authorized")
	}
	if d.authorizeCommand("mallory") {
		t.Fatal("expected mallory to be rejected")
	}
}

func TestHandleCommandShortCircuit_WritesChineseAck(t *testing.T) {
	var pushed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushed.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var ranAgent bool
	d := newTestDriver(t, func(ctx context.Context, prompt, sessionKey string, attachment *InboundMedia, onBlock AgentBlockFunc) (string, error) {
		ranAgent = true
		return "Session reset.", nil
	})

	streamID, _ := d.Queue.AddPendingMessage("conv1", "m1", "/reset", "msg-1", 10000, epqueue.Routing{UserID: "u1"}, nil)
	d.Queue.StoreReplyURL(streamID, srv.URL, "")

	batch := epqueue.Batch{StreamID: streamID, BatchKey: "conv1"}
	dc := &DispatchContext{ChatType: "direct", UserID: "u1"}

	ack, handled := d.handleCommandShortCircuit(batch, dc, "/reset")
	if !handled {
		t.Fatal("expected /reset to be handled as a command")
	}
	if !ranAgent {
		t.Fatal("expected the runtime to still be invoked for its side effect")
	}
	if strings.Contains(ack, "Session reset") {
		t.Fatalf("expected the runtime's English ack suppressed, got %q", ack)
	}
	snap, ok := d.Queue.Snapshot(streamID)
	if !ok || !snap.Finished {
		t.Fatal("expected stream marked finished")
	}
	if !strings.Contains(snap.Content, "重置") {
		t.Fatalf("expected localized Chinese ack in stream content, got %q", snap.Content)
	}
	if !pushed.Load() {
		t.Fatal("expected the ack to be pushed through the response-url")
	}
}

func TestHandleCommandShortCircuit_UnauthorizedWritesPrompt(t *testing.T) {
	d := newTestDriver(t, func(ctx context.Context, prompt, sessionKey string, attachment *InboundMedia, onBlock AgentBlockFunc) (string, error) {
		t.Fatal("the runtime must not be invoked for an unauthorized command")
		return "", nil
	})
	d.AllowFrom = map[string]struct{}{"alice": {}}

	streamID, _ := d.Queue.AddPendingMessage("conv1", "m1", "/reset", "msg-1", 10000, epqueue.Routing{UserID: "mallory"}, nil)
	batch := epqueue.Batch{StreamID: streamID, BatchKey: "conv1"}
	dc := &DispatchContext{ChatType: "direct", UserID: "mallory"}

	_, handled := d.handleCommandShortCircuit(batch, dc, "/reset")
	if !handled {
		t.Fatal("expected the command to be recognized even when unauthorized")
	}
	snap, ok := d.Queue.Snapshot(streamID)
	if !ok || !snap.Finished {
		t.Fatal("expected stream marked finished")
	}
	if !strings.Contains(snap.Content, "授权") {
		t.Fatalf("expected an authorization prompt, got %q", snap.Content)
	}
}

func TestDispatch_TemplateCardDirectChatPushesCardAndFinishes(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cardJSON := `{"template_card":{"card_type":"text_notice","main_title":{"title":"hi","desc":"d"}}}`
	d := newTestDriver(t, func(ctx context.Context, prompt, sessionKey string, attachment *InboundMedia, onBlock AgentBlockFunc) (string, error) {
		if onBlock != nil {
			onBlock(cardJSON)
		}
		return cardJSON, nil
	})

	streamID, _ := d.Queue.AddPendingMessage("conv1", "m1", "hello", "msg-1", 10000, epqueue.Routing{UserID: "u1", ChatType: "direct"}, nil)
	d.Queue.StoreReplyURL(streamID, srv.URL, "")
	batch := epqueue.Batch{StreamID: streamID, BatchKey: "conv1", Contents: []string{"hello"}}
	dc := &DispatchContext{ChatType: "direct", UserID: "u1"}

	d.Dispatch(epqueue.Batch{StreamID: batch.StreamID, BatchKey: batch.BatchKey, Contents: batch.Contents, Target: dc})

	snap, ok := d.Queue.Snapshot(streamID)
	if !ok || !snap.Finished {
		t.Fatal("expected stream marked finished")
	}
	if snap.Content != "[已发送交互卡片]" {
		t.Fatalf("unexpected final content: %q", snap.Content)
	}
	if !strings.Contains(gotBody, "template_card") {
		t.Fatalf("expected a template_card POST body, got %q", gotBody)
	}
}

// TestDispatch_TimeoutFailoverDeliversLaterBlocksViaDM covers the
// 6-minute bot-window failover (spec.md §8 scenario 7): once a block
// arrives past botTimeout-botTimeoutMargin, the driver must switch to
// DM fallback without losing that block or any block delivered after
// it. botTimeout/botTimeoutMargin are shrunk for the test instead of
// sleeping for real minutes.
func TestDispatch_TimeoutFailoverDeliversLaterBlocksViaDM(t *testing.T) {
	origTimeout, origMargin := botTimeout, botTimeoutMargin
	botTimeout = 300 * time.Millisecond
	botTimeoutMargin = 200 * time.Millisecond // failover threshold: 100ms
	t.Cleanup(func() {
		botTimeout = origTimeout
		botTimeoutMargin = origMargin
	})

	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/gettoken"):
			_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "access_token": "tok-1", "expires_in": 7200})
		case strings.HasSuffix(r.URL.Path, "/message/send"):
			var body struct {
				Text struct {
					Content string `json:"content"`
				} `json:"text"`
			}
			buf := make([]byte, 4096)
			n, _ := r.Body.Read(buf)
			_ = json.Unmarshal(buf[:n], &body)
			sent = append(sent, body.Text.Content)
			_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	account := &config.WeComAccount{
		Name: "acct1", CorpID: "corp1", CorpSecret: "secret1", AgentID: 1000001, APIBaseURL: srv.URL,
	}
	client, err := epclient.New(epclient.Options{BaseURL: srv.URL, CorpID: account.CorpID, CorpSecret: account.CorpSecret})
	if err != nil {
		t.Fatalf("epclient.New: %v", err)
	}

	d := newTestDriver(t, func(ctx context.Context, prompt, sessionKey string, attachment *InboundMedia, onBlock AgentBlockFunc) (string, error) {
		onBlock("block one")
		time.Sleep(150 * time.Millisecond) // cross the shrunk failover threshold
		onBlock("block two")
		onBlock("block three")
		return "block three", nil
	})
	d.Client = func(acct *config.WeComAccount) (*epclient.Client, error) { return client, nil }

	streamID, _ := d.Queue.AddPendingMessage("conv1", "m1", "hi", "msg-1", 10000, epqueue.Routing{UserID: "u1", ChatType: "direct"}, nil)
	batch := epqueue.Batch{StreamID: streamID, BatchKey: "conv1", Contents: []string{"hi"}}
	dc := &DispatchContext{Account: account, ChatType: "direct", UserID: "u1", RawBody: "hi"}

	d.Dispatch(epqueue.Batch{StreamID: batch.StreamID, BatchKey: batch.BatchKey, Contents: batch.Contents, Target: dc})

	snap, ok := d.Queue.Snapshot(streamID)
	if !ok {
		t.Fatal("stream vanished")
	}
	if snap.FallbackMode != epqueue.FallbackTimeout {
		t.Fatalf("expected timeout fallback, got %v", snap.FallbackMode)
	}
	if !strings.Contains(snap.Content, "私信") {
		t.Fatalf("expected the bot stream to carry the DM handoff prompt, got %q", snap.Content)
	}
	if strings.Contains(snap.Content, "block two") || strings.Contains(snap.Content, "block three") {
		t.Fatalf("blocks delivered after the failover must not reach the live bot stream, got %q", snap.Content)
	}
	if !strings.Contains(snap.DMContent, "block one") || !strings.Contains(snap.DMContent, "block two") || !strings.Contains(snap.DMContent, "block three") {
		t.Fatalf("expected every block, before and after the failover, to reach the DM tail, got %q", snap.DMContent)
	}

	joined := strings.Join(sent, "")
	if !strings.Contains(joined, "block two") || !strings.Contains(joined, "block three") {
		t.Fatalf("expected the DM delivery to carry the post-failover blocks, got %v", sent)
	}
}

// TestDispatch_AgentDeclaredFileDeliversOneDMAndDedupes covers the
// non-image mediaUrl case: the agent's own output names a local file
// it generated, not something the user uploaded, so the fallback
// fires without requiring the path to appear in the user's raw body.
func TestDispatch_AgentDeclaredFileDeliversOneDMAndDedupes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 fake report"), 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}

	var uploads atomic.Int32
	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/gettoken"):
			_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "access_token": "tok-1", "expires_in": 7200})
		case strings.HasSuffix(r.URL.Path, "/media/upload"):
			uploads.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "media_id": "media-1"})
		case strings.HasSuffix(r.URL.Path, "/message/send"):
			sends.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	account := &config.WeComAccount{
		Name: "acct1", CorpID: "corp1", CorpSecret: "secret1", AgentID: 1000001, APIBaseURL: srv.URL,
	}
	client, err := epclient.New(epclient.Options{BaseURL: srv.URL, CorpID: account.CorpID, CorpSecret: account.CorpSecret})
	if err != nil {
		t.Fatalf("epclient.New: %v", err)
	}

	agentReply := fmt.Sprintf("这是你的报告：%s", path)
	d := newTestDriver(t, func(ctx context.Context, prompt, sessionKey string, attachment *InboundMedia, onBlock AgentBlockFunc) (string, error) {
		if onBlock != nil {
			onBlock(agentReply)
		}
		return agentReply, nil
	})
	d.Client = func(acct *config.WeComAccount) (*epclient.Client, error) { return client, nil }

	streamID, _ := d.Queue.AddPendingMessage("conv1", "m1", "帮我生成一份报告", "msg-1", 10000, epqueue.Routing{UserID: "u1", ChatType: "direct"}, nil)
	batch := epqueue.Batch{StreamID: streamID, BatchKey: "conv1", Contents: []string{"帮我生成一份报告"}}
	dc := &DispatchContext{Account: account, ChatType: "direct", UserID: "u1", RawBody: "帮我生成一份报告"}

	d.Dispatch(epqueue.Batch{StreamID: batch.StreamID, BatchKey: batch.BatchKey, Contents: batch.Contents, Target: dc})

	snap, ok := d.Queue.Snapshot(streamID)
	if !ok || !snap.Finished {
		t.Fatal("expected stream marked finished")
	}
	if snap.FallbackMode != epqueue.FallbackMedia {
		t.Fatalf("expected media fallback mode, got %v", snap.FallbackMode)
	}
	if uploads.Load() != 1 {
		t.Fatalf("expected exactly one multipart upload, got %d", uploads.Load())
	}
	if sends.Load() != 1 {
		t.Fatalf("expected exactly one sendMedia call, got %d", sends.Load())
	}

	// A repeated mention of the same path within the same stream must
	// not re-upload (agentMediaKeys dedupe, invariant 6).
	d.handleMediaInBlock(batch, dc, agentReply)

	if uploads.Load() != 1 {
		t.Fatalf("expected repeated delivery of the same path to not re-upload, got %d uploads", uploads.Load())
	}
	if sends.Load() != 1 {
		t.Fatalf("expected repeated delivery of the same path to not re-send, got %d sends", sends.Load())
	}
}
