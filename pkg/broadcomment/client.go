// Package broadcomment is a thin wrapper around the broadcaster comment
// REST endpoint (spec §6). It is an external collaborator, not part of
// the core connection engine, but is exposed by the supervisor.
package broadcomment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mujurin/ndgrclient-go/pkg/ndgrerr"
)

const endpointFormat = "https://live2.nicovideo.jp/unama/api/v3/programs/%s/broadcaster_comment"

// Client posts and deletes the single pinned broadcaster comment for a
// program.
type Client struct {
	HTTPClient *http.Client
	LiveID     string
	Token      string
}

// New returns a Client authorized with the bootstrap
// BroadcasterCommentToken (spec §3).
func New(httpClient *http.Client, liveID, token string) *Client {
	return &Client{HTTPClient: httpClient, LiveID: liveID, Token: token}
}

// PutOptions configures the pinned comment.
type PutOptions struct {
	Name        string
	IsPermanent bool
	Color       string
}

// Put sets (or replaces) the pinned broadcaster comment.
func (c *Client) Put(ctx context.Context, text string, opts PutOptions) error {
	form := url.Values{}
	form.Set("text", text)
	form.Set("name", opts.Name)
	form.Set("isPermanent", strconv.FormatBool(opts.IsPermanent))
	form.Set("command", opts.Color)

	return c.do(ctx, http.MethodPut, form)
}

// Delete removes the pinned broadcaster comment.
func (c *Client) Delete(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, nil)
}

func (c *Client) do(ctx context.Context, method string, form url.Values) error {
	endpoint := fmt.Sprintf(endpointFormat, c.LiveID)

	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("broadcomment: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("x-public-api-token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &ndgrerr.NetworkError{Op: "broadcaster comment " + method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ndgrerr.FetchError{URI: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	return nil
}
