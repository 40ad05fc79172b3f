// Package epdriver implements the agent driver (spec.md §4.8/§4.9): it
// turns a flushed conversation batch into one agent dispatch, feeds the
// result through the think-tag/markdown-table/template-card/media
// pipeline, and drives the failover/DM-fallback policy.
package epdriver

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/xl370869-art/wecom/internal/config"
	"github.com/xl370869-art/wecom/internal/epclient"
	"github.com/xl370869-art/wecom/internal/epcrypt"
	"github.com/xl370869-art/wecom/internal/epqueue"
	"github.com/xl370869-art/wecom/internal/eptarget"
)

// AgentBlockFunc receives one completed text block as the agent turn
// produces it, in delivery order, before the whole turn finishes.
// Dispatch uses it to run processBlock/checkTimeout per block as
// spec.md §4.8 step 8 and §5 ordering guarantee 2 require; other
// RunAgentFunc call sites that only want the final answer (command
// short-circuit, Application-mode replies) pass nil.
type AgentBlockFunc func(text string)

// RunAgentFunc dispatches one prompt to the shared agent runtime and
// returns its final text, streaming each completed block to onBlock
// (if non-nil) as the turn produces it. attachment carries the
// decrypted inbound media (if any) so the caller can fold it into the
// agent turn as a content block; it is nil when the batch carried no
// attachment. Grounded on gateway.Gateway.runAgentStream, which wraps
// agentsdk-go's api.Runtime.RunStream and turns its content-block SSE
// events into one callback per completed text block (see DESIGN.md).
type RunAgentFunc func(ctx context.Context, prompt, sessionKey string, attachment *InboundMedia, onBlock AgentBlockFunc) (string, error)

// MediaSink persists downloaded or model-attached media so the agent
// runtime/tooling can reference it by path.
type MediaSink interface {
	Save(data []byte, suggestedName string) (path string, err error)
}

// DispatchContext is the opaque per-batch target epqueue carries through
// from admission to flush; wecombot.go/wecomapp.go build one per
// inbound message.
type DispatchContext struct {
	Account     *config.WeComAccount
	ResponseURL string
	ProxyURL    string
	ChatType    string // "direct" or "group"
	ChatID      string
	UserID      string
	SessionKey  string
	RawBody     string // the untouched user-visible text, for the local-path guard
	Attachment  *InboundMedia
}

// InboundMedia is the (optionally decrypted) media payload attached to
// one inbound message.
type InboundMedia struct {
	Kind string // "image" or "file"
	URL  string
	Data []byte // present once downloaded+decrypted
}

// Driver wires the stream store, outbound API client and media sink
// together to fulfil one flushed batch end to end.
type Driver struct {
	Queue     *epqueue.Store
	Client    func(account *config.WeComAccount) (*epclient.Client, error)
	RunAgent  RunAgentFunc
	Media     MediaSink
	TableMode string // configured markdown-table conversion mode; "" disables conversion
	AllowFrom map[string]struct{}
}

// botTimeout is the passive-stream window; the driver must switch to
// DM fallback before EP gives up on the stream. Variables rather than
// consts so tests can shrink the window instead of sleeping for real
// minutes to exercise the failover.
var (
	botTimeout       = 6 * time.Minute
	botTimeoutMargin = 30 * time.Second
)

// Dispatch is the epqueue.FlushHandler: it runs the full agent-driver
// pipeline for one flushed batch (spec.md §4.8).
func (d *Driver) Dispatch(batch epqueue.Batch) {
	dc, _ := batch.Target.(*DispatchContext)
	if dc == nil {
		log.Printf("[epdriver] batch %s has no dispatch context, dropping", batch.BatchKey)
		return
	}

	d.Queue.MarkStarted(batch.StreamID)
	d.resolveAttachment(dc)

	body := strings.Join(batch.Contents, "\n")

	if ack, handled := d.handleCommandShortCircuit(batch, dc, body); handled {
		_ = ack
		d.finalize(batch, dc)
		return
	}

	if sent := d.handleSendLocalFilePreIntent(batch, dc); sent {
		d.finalize(batch, dc)
		return
	}

	// The webhook path never cancels an in-flight agent turn (spec.md
	// §5): the only bound is the 6-minute Bot window itself, which
	// checkTimeout below switches to DM fallback well before (at
	// botTimeout-botTimeoutMargin). This context is a last-resort
	// safety valve at that same ceiling, not the thing doing the
	// failover.
	ctx, cancel := context.WithTimeout(context.Background(), botTimeout)
	defer cancel()

	_, err := d.RunAgent(ctx, body, dc.SessionKey, dc.Attachment, func(block string) {
		d.processBlock(batch, dc, block)
	})
	if err != nil {
		if d.checkTimeout(batch, dc) {
			// Already switched to DM fallback for this stream; the
			// error belongs in the DM tail rather than clobbering the
			// fallback prompt already pushed to the live Bot stream.
			d.Queue.AppendDMContent(batch.StreamID, fmt.Sprintf("Error: %v", err))
		} else {
			d.Queue.Finish(batch.StreamID, err.Error())
			d.Queue.SetContent(batch.StreamID, fmt.Sprintf("Error: %v", err), true)
		}
	}
	d.finalize(batch, dc)
}

// finalize implements §4.8.5.
func (d *Driver) finalize(batch epqueue.Batch, dc *DispatchContext) {
	snap, ok := d.Queue.Snapshot(batch.StreamID)
	if !ok {
		d.Queue.OnStreamFinished(batch.StreamID)
		return
	}

	d.Queue.Finish(batch.StreamID, "")

	if snap.FallbackMode == epqueue.FallbackTimeout && dc.Account != nil && dc.Account.ApplicationEnabled() {
		if d.Queue.MarkFinalDelivered(batch.StreamID) {
			d.deliverDMChunks(dc, snap.DMContent)
		}
	}

	if snap.ChatType == "group" && len(snap.Images) > 0 && d.Queue.HasReplyURL(batch.StreamID) {
		d.pushFinalImages(batch.StreamID, dc, snap.Images)
	}

	completionText := "已合并处理完成，请查看上一条回复。"
	d.Queue.DrainAckStreams(batch.BatchKey, completionText)

	d.Queue.OnStreamFinished(batch.StreamID)
}

func (d *Driver) deliverDMChunks(dc *DispatchContext, dmContent string) {
	if dc.Account == nil || dmContent == "" {
		return
	}
	client, err := d.Client(dc.Account)
	if err != nil {
		log.Printf("[epdriver] dm-chunk delivery: client unavailable: %v", err)
		return
	}
	target := eptarget.Target{Kind: eptarget.KindUser, ID: dc.UserID}
	for _, chunk := range chunkUTF8(dmContent, epqueue.StreamMaxBytes) {
		if err := client.SendText(context.Background(), dc.Account.AgentID, target, chunk); err != nil {
			log.Printf("[epdriver] dm-chunk send failed: %v", err)
		}
	}
}

func (d *Driver) pushFinalImages(streamID string, dc *DispatchContext, images []epqueue.ImageItem) {
	_ = d.Queue.UseReplyURL(streamID, func(responseURL, proxyURL string) error {
		return pushStreamFrame(responseURL, proxyURL, streamID, "", true, images)
	})
}

// chunkUTF8 splits s into pieces of at most max bytes, each a complete
// UTF-8 sequence.
func chunkUTF8(s string, max int) []string {
	var out []string
	b := []byte(s)
	for len(b) > 0 {
		n := max
		if n > len(b) {
			n = len(b)
		}
		for n > 0 && n < len(b) && !isRuneStart(b[n]) {
			n--
		}
		if n == 0 {
			n = 1
			for n < len(b) && !isRuneStart(b[n]) {
				n++
			}
		}
		out = append(out, string(b[:n]))
		b = b[n:]
	}
	return out
}

func isRuneStart(c byte) bool {
	return c&0xC0 != 0x80
}

const attachmentMaxBytes = 80 << 20 // matches the default media-download cap

// resolveAttachment implements §4.8 step 2's "decrypt/download any
// attached media" for the Bot side: dc.Attachment carries a bare URL
// until this downloads the bytes once per batch, decrypts them with the
// account's envelope key, so handleMediaInBlock and the local-file DM
// fallback both see a usable plaintext payload. Mirrors the download
// shape of the legacy WeCom channel's inbound-image fetch, generalized
// to any media kind and made proxy-aware. EP's callback image/file URLs
// return AES-CBC ciphertext (no envelope framing, unlike the XML
// callback body) that must be decrypted before use, the same gap
// IMBotPlatform's decryptImagePayload/DecryptDownloadedFile close.
func (d *Driver) resolveAttachment(dc *DispatchContext) {
	if dc == nil || dc.Attachment == nil || dc.Attachment.URL == "" || len(dc.Attachment.Data) > 0 {
		return
	}

	client, err := httpClientForProxy(dc.ProxyURL)
	if err != nil {
		log.Printf("[epdriver] attachment download: proxy client: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dc.Attachment.URL, nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("[epdriver] attachment download failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, attachmentMaxBytes+1))
	if err != nil || len(data) > attachmentMaxBytes {
		return
	}

	if dc.Account != nil && dc.Account.EncodingAESKey != "" {
		key, err := epcrypt.DecodeKey(dc.Account.EncodingAESKey)
		if err != nil {
			log.Printf("[epdriver] attachment decrypt: bad account key: %v", err)
			return
		}
		plain, err := epcrypt.DecryptMedia(key, data)
		if err != nil {
			log.Printf("[epdriver] attachment decrypt failed: %v", err)
			return
		}
		data = plain
	}

	dc.Attachment.Data = data

	if d.Media != nil {
		if _, err := d.Media.Save(data, mediaSuggestedName(dc.Attachment.URL)); err != nil {
			log.Printf("[epdriver] attachment media-sink save failed: %v", err)
		}
	}
}

func mediaSuggestedName(url string) string {
	if idx := strings.LastIndexByte(url, '/'); idx >= 0 && idx+1 < len(url) {
		return url[idx+1:]
	}
	return "attachment"
}
