package epdriver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/xl370869-art/wecom/internal/epqueue"
	"github.com/xl370869-art/wecom/internal/eptarget"
)

// templateCard mirrors the subset of WeCom's template_card payload this
// driver needs to detect and either forward or flatten to text.
type templateCard struct {
	CardType string `json:"card_type"`
	MainTitle struct {
		Title string `json:"title"`
		Desc  string `json:"desc"`
	} `json:"main_title"`
	SubTitleText string `json:"sub_title_text"`
	ButtonList   []struct {
		Text string `json:"text"`
	} `json:"button_list"`
}

// processBlock runs one delivered agent block through the think-tag
// protection / table-conversion / template-card / media / accumulation
// pipeline (spec.md §4.8.1). Dispatch calls this once per block as the
// agent turn streams them, in order, rather than once per batch; once
// checkTimeout has switched the stream to DM fallback, later blocks
// keep flowing through the same pipeline but land only in the DM tail
// instead of the now-frozen Bot stream.
func (d *Driver) processBlock(batch epqueue.Batch, dc *DispatchContext, text string) {
	timedOut := d.checkTimeout(batch, dc)

	protected, spans := protectThinkTags(text)
	converted := convertMarkdownTables(protected, d.TableMode)
	out := restoreThinkTags(converted, spans)

	if card, ok := parseTemplateCard(out); ok {
		if !timedOut && dc.ChatType == "direct" && d.Queue.HasReplyURL(batch.StreamID) {
			err := d.Queue.UseReplyURL(batch.StreamID, func(responseURL, proxyURL string) error {
				return pushTemplateCard(responseURL, proxyURL, card)
			})
			if err == nil {
				d.Queue.SetContent(batch.StreamID, "[已发送交互卡片]", true)
				d.Queue.AppendDMContent(batch.StreamID, renderCardAsText(card))
				return
			}
		}
		out = renderCardAsText(card)
	}

	d.handleMediaInBlock(batch, dc, out)

	if !timedOut {
		snap, _ := d.Queue.Snapshot(batch.StreamID)
		if snap.FallbackMode == epqueue.FallbackNone {
			d.Queue.AppendContent(batch.StreamID, out)
			d.pushRefresh(batch.StreamID, dc)
		}
	}
	d.Queue.AppendDMContent(batch.StreamID, out)
}

// checkTimeout implements the 6-minute bot-window failover check: once
// the stream has been running for botTimeout-botTimeoutMargin, it
// switches the stream to DM fallback and reports true for every block
// from then on (including the one that crossed the threshold), so
// processBlock knows to stop writing to the live Bot stream.
func (d *Driver) checkTimeout(batch epqueue.Batch, dc *DispatchContext) bool {
	snap, ok := d.Queue.Snapshot(batch.StreamID)
	if !ok || snap.FallbackMode != epqueue.FallbackNone {
		return snap.FallbackMode == epqueue.FallbackTimeout
	}
	if time.Since(snap.CreatedAt) < botTimeout-botTimeoutMargin {
		return false
	}
	if !d.Queue.SetFallback(batch.StreamID, epqueue.FallbackTimeout) {
		return true
	}
	prompt := "剩余内容将通过私信发送，请稍候查看。"
	d.Queue.SetContent(batch.StreamID, prompt, true)
	d.pushRefresh(batch.StreamID, dc)
	return true
}

// parseTemplateCard sniffs an agent-emitted block for a template_card
// payload (spec.md §4.8.1). The agent's own JSON is schema-fluid (it may
// carry fields this driver doesn't know about yet, or omit ones it
// expects), so fields are pulled defensively with gjson rather than
// unmarshaled into a strict struct.
func parseTemplateCard(text string) (*templateCard, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, `"template_card"`) {
		return nil, false
	}
	root := gjson.Parse(trimmed)
	if !root.Exists() {
		return nil, false
	}
	card := root.Get("template_card")
	if !card.Exists() {
		return nil, false
	}

	var tc templateCard
	tc.CardType = card.Get("card_type").String()
	tc.MainTitle.Title = card.Get("main_title.title").String()
	tc.MainTitle.Desc = card.Get("main_title.desc").String()
	tc.SubTitleText = card.Get("sub_title_text").String()
	card.Get("button_list").ForEach(func(_, btn gjson.Result) bool {
		tc.ButtonList = append(tc.ButtonList, struct {
			Text string `json:"text"`
		}{Text: btn.Get("text").String()})
		return true
	})
	return &tc, true
}

func renderCardAsText(card *templateCard) string {
	var b strings.Builder
	if card.MainTitle.Title != "" {
		b.WriteString("**" + card.MainTitle.Title + "**\n")
	}
	if card.MainTitle.Desc != "" {
		b.WriteString(card.MainTitle.Desc + "\n")
	}
	if card.SubTitleText != "" {
		b.WriteString(card.SubTitleText + "\n")
	}
	for _, btn := range card.ButtonList {
		b.WriteString("- " + btn.Text + "\n")
	}
	return b.String()
}

// handleMediaInBlock implements spec.md §4.8.1's "media handling per
// block": it reacts to media the agent itself declares in its output
// for this block, never to the user's own inbound attachment (that
// attachment is instead folded into the agent's turn as a content
// block by gateway.Gateway.runAgent, so the agent can already see it).
//
// Declared image paths are honored only when the exact path also
// appears in the user's raw input (spec.md §4.8.2's exfiltration
// guard). That guard does not extend to the generic non-image file
// case below: a file the agent delivers (e.g. a generated report) is
// typically new output that was never in the user's own message, so
// requiring raw-body containment there would make the feature inert.
func (d *Driver) handleMediaInBlock(batch epqueue.Batch, dc *DispatchContext, text string) {
	imagePaths := findLocalImagePaths(text)
	for _, path := range imagePaths {
		if !strings.Contains(dc.RawBody, path) {
			continue
		}
		data, err := readLocalFile(path)
		if err != nil {
			continue
		}
		d.Queue.AppendImage(batch.StreamID, imageItemFromBytes(data))
	}

	for _, path := range findLocalFilePaths(text, imagePaths) {
		d.deliverDeclaredFile(batch, dc, path)
	}
}

// deliverDeclaredFile delivers one agent-declared non-image local file
// as an application-mode DM fallback (the Bot stream can't carry binary
// attachments), deduped per stream so a repeated mention of the same
// path does not re-upload.
func (d *Driver) deliverDeclaredFile(batch epqueue.Batch, dc *DispatchContext, path string) {
	if !d.Queue.MarkMediaSent(batch.StreamID, path) {
		return
	}
	data, err := readLocalFile(path)
	if err != nil {
		return
	}
	if !d.Queue.SetFallback(batch.StreamID, epqueue.FallbackMedia) {
		return
	}
	prompt := "文件将通过应用私信发送。"
	d.Queue.SetContent(batch.StreamID, prompt, false)
	d.pushRefresh(batch.StreamID, dc)

	d.deliverFileDM(dc, &InboundMedia{Kind: "file", URL: path, Data: data})
}

func (d *Driver) deliverFileDM(dc *DispatchContext, media *InboundMedia) {
	if dc.Account == nil || !dc.Account.ApplicationEnabled() {
		return
	}
	client, err := d.Client(dc.Account)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mediaID, err := client.UploadMedia(ctx, "file", "attachment", media.Data)
	if err != nil {
		return
	}
	target := eptarget.Target{Kind: eptarget.KindUser, ID: dc.UserID}
	_ = client.SendMedia(ctx, dc.Account.AgentID, target, "file", mediaID, "", "")
}

// pushRefresh posts the current stream frame if a passive-reply URL is
// on file; it is best-effort and swallows delivery errors (the caller
// has already committed the state change locally).
func (d *Driver) pushRefresh(streamID string, dc *DispatchContext) {
	_ = d.Queue.UseReplyURL(streamID, func(responseURL, proxyURL string) error {
		snap, ok := d.Queue.Snapshot(streamID)
		if !ok {
			return fmt.Errorf("stream %s vanished", streamID)
		}
		return pushStreamFrame(responseURL, proxyURL, streamID, snap.Content, snap.Finished, nil)
	})
}
