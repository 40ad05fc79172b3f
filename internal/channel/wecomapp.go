package channel

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xl370869-art/wecom/internal/epcrypt"
	"github.com/xl370869-art/wecom/internal/epdriver"
	"github.com/xl370869-art/wecom/internal/eptarget"
)

// appXMLEnvelope is the outer `<xml><Encrypt>...</Encrypt></xml>`
// wrapper every Application-mode POST carries (spec.md §4.7).
type appXMLEnvelope struct {
	XMLName xml.Name `xml:"xml"`
	Encrypt string   `xml:"Encrypt"`
}

// appInboundMessage is the decrypted XML body, PascalCase fields per
// WeCom's documented Application-message schema.
type appInboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgId        string   `xml:"MsgId"`
	AgentID      int64    `xml:"AgentID"`
	PicUrl       string   `xml:"PicUrl"`
	MediaId      string   `xml:"MediaId"`
	Format       string   `xml:"Format"`
	Recognition  string   `xml:"Recognition"`
	FileName     string   `xml:"FileName"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
}

const (
	appMaxPreviewChars  = 12000
	appSniffWindow      = 4096
	appDownloadTimeout  = 30 * time.Second
	appTextPrintableRat = 0.98
)

// handleApplication serves both halves of the Application webhook
// (spec.md §4.7): GET verifies the callback URL, POST accepts one
// inbound message and responds "success" immediately, continuing
// agent dispatch and reply delivery in the background.
func (e *EPChannel) handleApplication(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		e.handleApplicationVerify(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	e.handleApplicationMessage(w, r)
}

func (e *EPChannel) handleApplicationVerify(w http.ResponseWriter, r *http.Request) {
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

func (e *EPChannel) handleApplicationMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, epMaxBodyBytes+1))
	if err != nil || int64(len(body)) > epMaxBodyBytes {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var env appXMLEnvelope
	if err := xml.Unmarshal(body, &env); err != nil || env.Encrypt == "" {
		// Soft "processed" per spec.md §7: malformed application POSTs
		// still get success so EP does not retry a request we can't parse.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("success"))
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

	var msg appInboundMessage
	if err := xml.Unmarshal([]byte(plaintext), &msg); err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("success"))
		return
	}

	// Ordering guarantee 4 (spec.md §5): respond "success" before any
	// agent work starts.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("success"))

	go e.processApplicationMessage(acct, msg)
}

// processApplicationMessage runs asynchronously after the webhook
// response has already been flushed.
func (e *EPChannel) processApplicationMessage(acct *epAccount, msg appInboundMessage) {
	dedupeKey := msg.MsgId
	if dedupeKey == "" {
		dedupeKey = fmt.Sprintf("%s:%s:%d", msg.FromUserName, msg.MsgType, msg.CreateTime)
	}
	if e.appDedupe.SeenOrMark(dedupeKey) {
		return
	}

	if msg.MsgType == "event" {
		return
	}

	body := e.buildApplicationBody(acct, msg)

	if cmd, ok := epdriver.IsCommand(strings.TrimSpace(msg.Content)); ok {
		if len(e.driver.AllowFrom) > 0 {
			if _, allowed := e.driver.AllowFrom[msg.FromUserName]; !allowed {
				e.replyApplicationText(acct, msg.FromUserName,
					"该指令未获授权。请联系管理员调整私信策略或将你加入白名单后重试。")
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, _ = e.driver.RunAgent(ctx, msg.Content, applicationSessionKey(acct, msg), nil, nil)
		cancel()
		e.replyApplicationText(acct, msg.FromUserName, epdriver.ChineseCommandAck(cmd))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	output, err := e.driver.RunAgent(ctx, body, applicationSessionKey(acct, msg), nil, nil)
	cancel()
	if err != nil {
		e.replyApplicationText(acct, msg.FromUserName, fmt.Sprintf("Error: %v", err))
		return
	}
	e.replyApplicationText(acct, msg.FromUserName, output)
}

func applicationSessionKey(acct *epAccount, msg appInboundMessage) string {
	return fmt.Sprintf("%s:application:%s", acct.cfg.Name, msg.FromUserName)
}

func (e *EPChannel) replyApplicationText(acct *epAccount, userID, content string) {
	if acct.client == nil || content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	target := eptarget.Target{Kind: eptarget.KindUser, ID: userID}
	if err := acct.client.SendText(ctx, acct.cfg.AgentID, target, content); err != nil {
		// Best-effort per spec.md §7's "local try/except, no exception
		// escapes a webhook handler" propagation policy.
		_ = err
	}
}

// buildApplicationBody synthesizes the raw agent-visible text for one
// Application-mode inbound message (spec.md §4.7). Media types are
// downloaded via C3, sniffed, and either attached as a text preview or
// described with a friendly notice.
func (e *EPChannel) buildApplicationBody(acct *epAccount, msg appInboundMessage) string {
	switch msg.MsgType {
	case "text":
		return msg.Content
	case "voice":
		if msg.Recognition != "" {
			return msg.Recognition
		}
		return "[voice]"
	case "image", "video", "file":
		return e.buildApplicationMediaBody(acct, msg)
	default:
		return "[" + msg.MsgType + "]"
	}
}

func (e *EPChannel) buildApplicationMediaBody(acct *epAccount, msg appInboundMessage) string {
	label := "[" + msg.MsgType + "]"
	if acct.client == nil || msg.MediaId == "" {
		return label
	}

	ctx, cancel := context.WithTimeout(context.Background(), appDownloadTimeout)
	defer cancel()
	result, err := acct.client.DownloadMedia(ctx, msg.MediaId)
	if err != nil {
		return label + " (download failed: " + err.Error() + ")"
	}

	filename := msg.FileName
	if filename == "" {
		filename = result.Filename
	}
	if filename == "" {
		filename = msg.MediaId
	}

	if e.driver.Media != nil {
		if _, err := e.driver.Media.Save(result.Data, filename); err != nil {
			_ = err
		}
	}

	if looksLikeText(result.ContentType, result.Data) {
		preview := string(result.Data)
		if len(preview) > appMaxPreviewChars {
			preview = preview[:appMaxPreviewChars]
		}
		return fmt.Sprintf("[%s %s]\n%s", msg.MsgType, filename, preview)
	}

	return fmt.Sprintf("%s %s (binary content, not extractable as text; supported preview formats: .txt, .md, .json, .csv, .log)", label, filename)
}

// looksLikeText implements spec.md §4.7's text-vs-binary heuristic: a
// server-declared text content-type is trusted outright; otherwise the
// first 4 KiB are sniffed and treated as text when at least 98% of
// bytes are whitespace or printable ASCII.
func looksLikeText(contentType string, data []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "text/") || strings.Contains(ct, "json") || strings.Contains(ct, "markdown") {
		return true
	}

	window := data
	if len(window) > appSniffWindow {
		window = window[:appSniffWindow]
	}
	if len(window) == 0 {
		return false
	}

	printable := 0
	for _, b := range window {
		if b == '\t' || b == '\n' || b == '\r' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return float64(printable)/float64(len(window)) >= appTextPrintableRat
}

// fileMediaSink is a minimal filesystem-backed epdriver.MediaSink,
// grounded on the same os.CreateTemp/TempDir idiom the test suite uses
// for other channels' on-disk state; dir defaults to the OS temp
// directory's "wecom-media" subtree when empty.
type fileMediaSink struct {
	dir string
}

func newFileMediaSink(dir string) *fileMediaSink {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "wecom-media")
	}
	return &fileMediaSink{dir: dir}
}

func (s *fileMediaSink) Save(data []byte, suggestedName string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	name := sanitizeMediaFilename(suggestedName)
	path := filepath.Join(s.dir, strconv.FormatInt(time.Now().UnixNano(), 36)+"-"+name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeMediaFilename(name string) string {
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(os.PathSeparator) {
		return "attachment"
	}
	return name
}
