package epdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xl370869-art/wecom/internal/epclient"
	"github.com/xl370869-art/wecom/internal/epqueue"
)

// httpClientForProxy builds a client around the shared per-proxy-URL
// transport dispatcher epclient already maintains (spec.md §5).
func httpClientForProxy(proxyURL string) (*http.Client, error) {
	transport, err := epclient.TransportForProxy(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: pushHTTPTimeout}, nil
}

// streamMsgItem is one attachment carried on a stream frame's msg_item
// list (spec.md §6).
type streamMsgItem struct {
	MsgType string `json:"msgtype"`
	Image   struct {
		Base64 string `json:"base64"`
		MD5    string `json:"md5"`
	} `json:"image"`
}

type streamFramePayload struct {
	MsgType string `json:"msgtype"`
	Stream  struct {
		ID       string          `json:"id"`
		Finish   bool            `json:"finish"`
		Content  string          `json:"content"`
		MsgItems []streamMsgItem `json:"msg_item,omitempty"`
	} `json:"stream"`
}

// pushHTTPTimeout matches the default outbound HTTP timeout (spec.md
// §5: "HTTP calls honor a default 15s timeout").
const pushHTTPTimeout = 15 * time.Second

// pushStreamFrame posts one passive-reply stream frame to responseURL,
// optionally through proxyURL (spec.md §6's stream payload shape).
// The body is posted as plaintext JSON; neither this function nor its
// callers encrypt or sign it.
func pushStreamFrame(responseURL, proxyURL, streamID, content string, finish bool, images []epqueue.ImageItem) error {
	var payload streamFramePayload
	payload.MsgType = "stream"
	payload.Stream.ID = streamID
	payload.Stream.Finish = finish
	payload.Stream.Content = content
	for _, img := range images {
		item := streamMsgItem{MsgType: "image"}
		item.Image.Base64 = img.Base64
		item.Image.MD5 = img.MD5
		payload.Stream.MsgItems = append(payload.Stream.MsgItems, item)
	}
	return postJSON(responseURL, proxyURL, payload)
}

func pushTemplateCard(responseURL, proxyURL string, card *templateCard) error {
	payload := struct {
		MsgType      string        `json:"msgtype"`
		TemplateCard *templateCard `json:"template_card"`
	}{MsgType: "template_card", TemplateCard: card}
	return postJSON(responseURL, proxyURL, payload)
}

func postJSON(url, proxyURL string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	client, err := httpClientForProxy(proxyURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushHTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("response-url push: status %d", resp.StatusCode)
	}
	return nil
}
