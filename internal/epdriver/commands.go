package epdriver

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/xl370869-art/wecom/internal/epqueue"
)

var commandRe = regexp.MustCompile(`^/(new|reset)\b`)

func isCommand(body string) (string, bool) {
	m := commandRe.FindStringSubmatch(strings.TrimSpace(body))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// IsCommand reports whether body is a recognized /new or /reset command.
// Exported so the Application-side handler (which has no stream to short
// circuit through) can apply the same command/authorization check before
// dispatching to the runtime.
func IsCommand(body string) (string, bool) {
	return isCommand(body)
}

// ChineseCommandAck returns the localized acknowledgement text for cmd,
// as returned by IsCommand.
func ChineseCommandAck(cmd string) string {
	return chineseCommandAck(cmd)
}

// authorizeCommand reports whether userID may issue commands on this
// channel, per the configured allow-list (spec.md §4.8 step 5). An
// empty AllowFrom set means unrestricted, matching every other channel
// in this module.
func (d *Driver) authorizeCommand(userID string) bool {
	if len(d.AllowFrom) == 0 {
		return true
	}
	_, ok := d.AllowFrom[userID]
	return ok
}

// handleCommandShortCircuit implements command authorization (§4.8
// step 5) and the command-ack rewrite (§4.8.4) for the Bot channel:
// /new and /reset are dispatched to the agent runtime for their side
// effect (session reset), but the runtime's own English ack is
// suppressed and replaced with a localized Chinese one written
// directly into the stream.
func (d *Driver) handleCommandShortCircuit(batch epqueue.Batch, dc *DispatchContext, body string) (ack string, handled bool) {
	cmd, ok := isCommand(body)
	if !ok {
		return "", false
	}

	if !d.authorizeCommand(dc.UserID) {
		prompt := "该指令未获授权。请联系管理员调整私信策略或将你加入白名单后重试。"
		d.Queue.SetContent(batch.StreamID, prompt, true)
		d.pushRefresh(batch.StreamID, dc)
		return "", true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = d.RunAgent(ctx, body, dc.SessionKey, dc.Attachment, nil)

	ack = chineseCommandAck(cmd)
	d.Queue.SetContent(batch.StreamID, ack, true)
	d.pushRefresh(batch.StreamID, dc)
	return ack, true
}

func chineseCommandAck(cmd string) string {
	switch cmd {
	case "new":
		return "已开启新的会话。"
	default:
		return "会话已重置，请开始新的对话。"
	}
}

// handleSendLocalFilePreIntent implements §4.8.3: when the raw user
// message names one or more local paths alongside a Chinese "send"
// verb, the driver bypasses the agent entirely and delivers the named
// files directly.
func (d *Driver) handleSendLocalFilePreIntent(batch epqueue.Batch, dc *DispatchContext) bool {
	if !hasSendIntent(dc.RawBody) {
		return false
	}
	paths := findLocalPaths(dc.RawBody)
	if len(paths) == 0 {
		return false
	}

	var images []string
	var files []string
	for _, p := range paths {
		if isImagePath(p) {
			images = append(images, p)
		} else {
			files = append(files, p)
		}
	}

	if len(images) > 0 && len(files) == 0 {
		for _, p := range images {
			data, err := readLocalFile(p)
			if err != nil {
				continue
			}
			d.Queue.AppendImage(batch.StreamID, imageItemFromBytes(data))
		}
		d.Queue.SetContent(batch.StreamID, "已发送图片。", true)
		snap, _ := d.Queue.Snapshot(batch.StreamID)
		_ = d.Queue.UseReplyURL(batch.StreamID, func(responseURL, proxyURL string) error {
			return pushStreamFrame(responseURL, proxyURL, batch.StreamID, snap.Content, true, snap.Images)
		})
		return true
	}

	d.Queue.SetContent(batch.StreamID, "文件将通过应用私信发送。", true)
	d.pushRefresh(batch.StreamID, dc)
	for _, p := range files {
		data, err := readLocalFile(p)
		if err != nil {
			continue
		}
		d.deliverFileDM(dc, &InboundMedia{Kind: "file", URL: p, Data: data})
	}
	return true
}
