// Package epclient implements EP's token-gated outbound HTTP API:
// sending text, uploading and sending media, and downloading encrypted
// media (spec.md §4.3).
package epclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xl370869-art/wecom/internal/eptarget"
	"github.com/xl370869-art/wecom/internal/eptoken"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultMediaCap  = 80 << 20
	sendMaxRetries   = 2
	tokenInvalidCode = 40014
	tokenExpiredCode = 42001
)

// APIError is EP's {errcode, errmsg} response, surfaced through
// errors.As so callers can branch on the code instead of strings
// (DESIGN.md: mirrors ycvk-myclaw's weComAPIError).
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ep api error %d: %s", e.Code, e.Msg)
}

// IsRetryable reports whether the caller should retry after refreshing
// its token or backing off.
func (e *APIError) IsRetryable() bool {
	switch e.Code {
	case tokenInvalidCode, tokenExpiredCode, -1, 6000:
		return true
	default:
		return false
	}
}

// IsTokenInvalid reports whether the error is EP telling us the
// access_token is stale, so the caller should clear its token cache.
func (e *APIError) IsTokenInvalid() bool {
	return e.Code == tokenInvalidCode || e.Code == tokenExpiredCode
}

// PartialFailureError means the send request as a whole succeeded but
// named recipients were rejected (spec.md §4.3).
type PartialFailureError struct {
	InvalidUsers  []string
	InvalidParty  []string
	InvalidTags   []string
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("ep partial failure: invaliduser=%v invalidparty=%v invalidtag=%v",
		e.InvalidUsers, e.InvalidParty, e.InvalidTags)
}

// ErrChatTargetRefused is returned by the Application-mode client when
// asked to address a chat id (spec.md §9 open question, resolved:
// hard refuse).
var ErrChatTargetRefused = fmt.Errorf("epclient: application-mode outbound to a chat id is refused")

type Client struct {
	baseURL    string
	corpID     string
	corpSecret string
	httpClient *http.Client
	tokens     *eptoken.Cache
	mediaCap   int64
}

// Options configures a Client. BaseURL defaults to EP's production API
// host when empty (tests always set it to an httptest server).
type Options struct {
	BaseURL        string
	CorpID         string
	CorpSecret     string
	ProxyURL       string
	Timeout        time.Duration
	MediaMaxBytes  int64
}

var proxyTransports sync.Map // proxyURL string -> *http.Transport, one dispatcher per proxy (spec.md §4.3, §5)

// TransportForProxy returns the shared dispatcher transport for proxyURL,
// creating and caching it on first use (spec.md §5: "proxy dispatcher one
// entry per proxy URL"). Other EP outbound paths (response-url pushes,
// media relays) reuse this same cache rather than keeping their own.
func TransportForProxy(proxyURL string) (*http.Transport, error) {
	if proxyURL == "" {
		return &http.Transport{}, nil
	}
	if v, ok := proxyTransports.Load(proxyURL); ok {
		return v.(*http.Transport), nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("epclient: parse proxy url: %w", err)
	}
	t := &http.Transport{Proxy: http.ProxyURL(parsed)}
	proxyTransports.Store(proxyURL, t)
	return t, nil
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://qyapi.weixin.qq.com/cgi-bin"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mediaCap := opts.MediaMaxBytes
	if mediaCap <= 0 {
		mediaCap = defaultMediaCap
	}

	transport, err := TransportForProxy(opts.ProxyURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		corpID:     opts.CorpID,
		corpSecret: opts.CorpSecret,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		mediaCap:   mediaCap,
	}
	c.tokens = eptoken.New(c.fetchToken)
	return c, nil
}

func (c *Client) fetchToken(ctx context.Context, corpID, corpSecret string) (string, time.Duration, error) {
	q := url.Values{"corpid": {corpID}, "corpsecret": {corpSecret}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/gettoken?"+q.Encode(), nil)
	if err != nil {
		return "", 0, err
	}

	var result struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := c.doJSON(req, &result); err != nil {
		return "", 0, err
	}
	if result.AccessToken == "" {
		return "", 0, &APIError{Code: result.ErrCode, Msg: result.ErrMsg}
	}
	return result.AccessToken, time.Duration(result.ExpiresIn) * time.Second, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	return c.tokens.Get(ctx, c.corpID, c.corpSecret, "default")
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("epclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.mediaCap+1))
	if err != nil {
		return fmt.Errorf("epclient: read response: %w", err)
	}
	if int64(len(body)) > c.mediaCap {
		return fmt.Errorf("epclient: response exceeds %d bytes", c.mediaCap)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("epclient: decode response: %w", err)
	}
	return nil
}

// addressing builds the {touser|toparty|totag} or {chatid} query set
// EP's send APIs expect. chatId is exclusive with the other three.
func addressing(t eptarget.Target) map[string]string {
	switch t.Kind {
	case eptarget.KindChat:
		return map[string]string{"chatid": t.ID}
	case eptarget.KindParty:
		return map[string]string{"toparty": t.ID}
	case eptarget.KindTag:
		return map[string]string{"totag": t.ID}
	default:
		return map[string]string{"touser": t.ID}
	}
}

type sendResponse struct {
	ErrCode      int      `json:"errcode"`
	ErrMsg       string   `json:"errmsg"`
	InvalidUser  string   `json:"invaliduser,omitempty"`
	InvalidParty string   `json:"invalidparty,omitempty"`
	InvalidTag   string   `json:"invalidtag,omitempty"`
}

func (r sendResponse) partialFailure() *PartialFailureError {
	if r.InvalidUser == "" && r.InvalidParty == "" && r.InvalidTag == "" {
		return nil
	}
	return &PartialFailureError{
		InvalidUsers: splitNonEmpty(r.InvalidUser),
		InvalidParty: splitNonEmpty(r.InvalidParty),
		InvalidTags:  splitNonEmpty(r.InvalidTag),
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}

// SendText delivers a plain-text message to the resolved target,
// retrying up to sendMaxRetries times on a retryable EP error code
// (token invalid/expired, -1, 6000); the HTTP status is not inspected.
func (c *Client) SendText(ctx context.Context, agentID int64, target eptarget.Target, text string) error {
	if target.Kind == eptarget.KindChat {
		return ErrChatTargetRefused
	}
	payload := addressing(target)
	body := map[string]any{
		"agentid": agentID,
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	for k, v := range payload {
		body[k] = v
	}
	return c.sendWithRetry(ctx, "/message/send", body)
}

// SendMedia sends a previously uploaded media id as a message of the
// given type. For video the payload carries title/description with
// EP's documented defaults when the caller supplies none.
func (c *Client) SendMedia(ctx context.Context, agentID int64, target eptarget.Target, msgType, mediaID, title, description string) error {
	if target.Kind == eptarget.KindChat {
		return ErrChatTargetRefused
	}
	body := map[string]any{
		"agentid": agentID,
		"msgtype": msgType,
	}
	switch msgType {
	case "video":
		if title == "" {
			title = "Video"
		}
		body["video"] = map[string]string{"media_id": mediaID, "title": title, "description": description}
	default:
		body[msgType] = map[string]string{"media_id": mediaID}
	}
	for k, v := range addressing(target) {
		body[k] = v
	}
	return c.sendWithRetry(ctx, "/message/send", body)
}

func (c *Client) sendWithRetry(ctx context.Context, path string, body map[string]any) error {
	var lastErr error
	for attempt := 1; attempt <= sendMaxRetries+1; attempt++ {
		err := c.sendOnce(ctx, path, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() || attempt > sendMaxRetries {
			return err
		}
		if apiErr.IsTokenInvalid() {
			c.tokens.Invalidate(c.corpID, "default")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 150 * time.Millisecond):
		}
	}
	return lastErr
}

func (c *Client) sendOnce(ctx context.Context, path string, body map[string]any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("epclient: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s%s?access_token=%s", c.baseURL, path, url.QueryEscape(token)), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var result sendResponse
	if err := c.doJSON(req, &result); err != nil {
		return err
	}
	if result.ErrCode != 0 {
		return &APIError{Code: result.ErrCode, Msg: result.ErrMsg}
	}
	if pf := result.partialFailure(); pf != nil {
		return pf
	}
	return nil
}

var mediaContentTypes = map[string]string{
	"jpg":  "image/jpg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"amr":  "voice/amr",
	"mp4":  "video/mp4",
}

func contentTypeForExt(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(strings.ToLower(filenameExt(filename)), "."))
	if ct, ok := mediaContentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

func filenameExt(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return name[idx:]
}

// UploadMedia uploads temporary media and returns EP's media_id.
// mediaKind is one of image|voice|video|file per spec.md §4.3.
func (c *Client) UploadMedia(ctx context.Context, mediaKind, filename string, data []byte) (string, error) {
	token, err := c.token(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	boundary := "EPBoundary" + strconv.FormatInt(time.Now().UnixNano(), 36)
	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString(fmt.Sprintf(
		"Content-Disposition: form-data; name=\"media\"; filename=%q; filelength=%d\r\n",
		filename, len(data)))
	buf.WriteString("Content-Type: " + contentTypeForExt(filename) + "\r\n\r\n")
	buf.Write(data)
	buf.WriteString("\r\n--" + boundary + "--\r\n")

	reqURL := fmt.Sprintf("%s/media/upload?access_token=%s&type=%s&debug=1",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaKind))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := c.doJSON(req, &result); err != nil {
		return "", err
	}
	if result.MediaID == "" {
		return "", &APIError{Code: result.ErrCode, Msg: result.ErrMsg}
	}
	return result.MediaID, nil
}

// DownloadResult is the outcome of a successful DownloadMedia call.
type DownloadResult struct {
	Data        []byte
	ContentType string
	Filename    string
}

// DownloadMedia fetches an encrypted media blob by id. EP signals
// errors by returning a JSON {errcode,errmsg} body with a JSON
// content-type instead of the binary payload, so the client sniffs
// the response before committing to treating it as binary.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) (*DownloadResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/media/get?access_token=%s&media_id=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("epclient: download request failed: %w", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.mediaCap+1))
	if err != nil {
		return nil, fmt.Errorf("epclient: read media body: %w", err)
	}
	if int64(len(body)) > c.mediaCap {
		return nil, fmt.Errorf("epclient: media exceeds %d bytes", c.mediaCap)
	}

	if strings.HasPrefix(strings.ToLower(contentType), "application/json") || strings.HasPrefix(strings.ToLower(contentType), "text/plain") {
		var apiErr struct {
			ErrCode int    `json:"errcode"`
			ErrMsg  string `json:"errmsg"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.ErrCode != 0 {
			return nil, &APIError{Code: apiErr.ErrCode, Msg: apiErr.ErrMsg}
		}
	}

	return &DownloadResult{
		Data:        body,
		ContentType: contentType,
		Filename:    filenameFromContentDisposition(resp.Header.Get("Content-Disposition")),
	}, nil
}

// filenameFromContentDisposition handles both filename=... and RFC
// 5987 filename*=UTF-8''... forms (spec.md §4.3).
func filenameFromContentDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	if name, ok := params["filename*"]; ok {
		if idx := strings.Index(name, "''"); idx >= 0 {
			if decoded, err := url.QueryUnescape(name[idx+2:]); err == nil {
				return decoded
			}
		}
		return name
	}
	return params["filename"]
}
