package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mvalerio/chatsync/internal/outbound"
	"github.com/mvalerio/chatsync/internal/token"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const requestTimeout = 30 * time.Second

// ErrNoToken is returned when an API call is attempted without a held token.
var ErrNoToken = errors.New("no auth token held")

// Client issues message calls against the backend HTTP API.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  *token.Handler
	logger  *zap.Logger
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL string, tokens *token.Handler, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
		tokens:  tokens,
		logger:  logger,
	}
}

type messageBody struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type messageRequest struct {
	Message messageBody `json:"message"`
}

// SendMessage delivers a locally-queued message.
func (c *Client) SendMessage(ctx context.Context, channelCID, msgID, body string) (outbound.SendResult, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/messages", c.baseURL, url.PathEscape(channelCID))
	return c.sendMessage(ctx, http.MethodPost, endpoint, msgID, body)
}

// UpdateMessage pushes a local edit of an already-delivered message.
func (c *Client) UpdateMessage(ctx context.Context, channelCID, msgID, body string) (outbound.SendResult, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/messages/%s", c.baseURL, url.PathEscape(channelCID), url.PathEscape(msgID))
	return c.sendMessage(ctx, http.MethodPut, endpoint, msgID, body)
}

func (c *Client) sendMessage(ctx context.Context, method, endpoint, msgID, body string) (outbound.SendResult, error) {
	payload, err := json.Marshal(messageRequest{Message: messageBody{ID: msgID, Text: body}})
	if err != nil {
		return outbound.SendResult{}, err
	}

	data, err := c.do(ctx, method, endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		return outbound.SendResult{}, err
	}

	msg := gjson.GetBytes(data, "message")
	return outbound.SendResult{
		ServerMsgID:   msg.Get("id").String(),
		CanonicalBody: msg.Get("text").String(),
		Timestamp:     msg.Get("created_at").Int(),
	}, nil
}

// EventsSince fetches the raw event batch the server recorded after the
// given watermark, oldest first. The result feeds the regular decode path.
func (c *Client) EventsSince(ctx context.Context, sinceMillis int64) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/events?since=%d", c.baseURL, sinceMillis)
	return c.do(ctx, http.MethodGet, endpoint, "application/json", nil)
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader) ([]byte, error) {
	tok := c.tokens.CurrentToken()
	if tok.IsZero() {
		return nil, ErrNoToken
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+tok.RawValue)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, snippet(data))
	}
	return data, nil
}

func snippet(data []byte) string {
	const max = 200
	s := string(data)
	if len(s) > max {
		return s[:max]
	}
	return s
}

// NewTokenFetcher returns a FetchFunc that exchanges a user ID for a fresh
// token at the backend's auth endpoint. Each fetch runs on its own
// goroutine; the completion is invoked exactly once.
func NewTokenFetcher(baseURL string, logger *zap.Logger) token.FetchFunc {
	baseURL = strings.TrimRight(baseURL, "/")
	httpc := &http.Client{Timeout: requestTimeout}

	return func(userID string, completion func(token.Token, error)) {
		go func() {
			payload, err := json.Marshal(map[string]string{"user_id": userID})
			if err != nil {
				completion(token.Token{}, err)
				return
			}
			resp, err := httpc.Post(baseURL+"/auth/token", "application/json", bytes.NewReader(payload))
			if err != nil {
				completion(token.Token{}, err)
				return
			}
			defer func() { _ = resp.Body.Close() }()

			data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				completion(token.Token{}, err)
				return
			}
			if resp.StatusCode >= http.StatusMultipleChoices {
				completion(token.Token{}, fmt.Errorf("auth endpoint status %d: %s", resp.StatusCode, snippet(data)))
				return
			}

			parsed := gjson.ParseBytes(data)
			tok := token.Token{
				RawValue: parsed.Get("token").String(),
				UserID:   userID,
			}
			if expiry := parsed.Get("expires_at").Int(); expiry > 0 {
				tok.ExpiresAt = time.UnixMilli(expiry)
			}
			if tok.IsZero() {
				completion(token.Token{}, errors.New("auth endpoint returned empty token"))
				return
			}
			logger.Debug("fetched token", zap.String("user_id", userID))
			completion(tok, nil)
		}()
	}
}
