// Package bluesky is a small XRPC client for the parts of the AT Protocol
// needed to publish posts: sessions, blob uploads and record creation.
package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"skyfeed/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrorKind classifies failures of the posting service.
type ErrorKind string

// Supported error kinds.
const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindRejected    ErrorKind = "rejected"
	KindNetwork     ErrorKind = "network"
)

// Error is returned for every failed XRPC call.
type Error struct {
	Kind    ErrorKind
	Method  string
	Status  int
	Name    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Method, e.Kind, e.Err)
	case e.Name != "":
		return fmt.Sprintf("%s: %s (status %d): %s: %s", e.Method, e.Kind, e.Status, e.Name, e.Message)
	default:
		return fmt.Sprintf("%s: %s (status %d)", e.Method, e.Kind, e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a posting error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// Session is an authenticated account session.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// RecordRef identifies a created repository record.
type RecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Client performs XRPC procedure calls against one service.
type Client struct {
	service string
	http    HTTPClient
}

// NewClient creates a Client for the service base URL, e.g.
// https://bsky.social.
func NewClient(service string, client HTTPClient) *Client {
	return &Client{
		service: strings.TrimSuffix(service, "/"),
		http:    client,
	}
}

// CreateSession logs in with an account identifier and app password.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (*Session, error) {
	in := map[string]string{"identifier": identifier, "password": password}
	var out Session
	if err := c.procedure(ctx, "com.atproto.server.createSession", "", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshSession exchanges a refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context, refreshJwt string) (*Session, error) {
	var out Session
	if err := c.procedure(ctx, "com.atproto.server.refreshSession", refreshJwt, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadBlob uploads an image and returns the blob reference to embed in a
// record.
func (c *Client) UploadBlob(ctx context.Context, accessJwt string, img model.Image) (json.RawMessage, error) {
	var out struct {
		Blob json.RawMessage `json:"blob"`
	}
	err := c.call(ctx, "com.atproto.repo.uploadBlob", accessJwt, img.MIMEType, bytes.NewReader(img.Data), &out)
	if err != nil {
		return nil, err
	}
	if len(out.Blob) == 0 {
		return nil, &Error{Kind: KindRejected, Method: "com.atproto.repo.uploadBlob", Status: http.StatusOK, Message: "empty blob reference"}
	}
	return out.Blob, nil
}

// CreateRecord writes a record into the repo. An empty rkey lets the server
// pick one.
func (c *Client) CreateRecord(ctx context.Context, accessJwt, repo, collection, rkey string, record any) (*RecordRef, error) {
	in := struct {
		Repo       string `json:"repo"`
		Collection string `json:"collection"`
		Rkey       string `json:"rkey,omitempty"`
		Record     any    `json:"record"`
	}{repo, collection, rkey, record}

	var out RecordRef
	if err := c.procedure(ctx, "com.atproto.repo.createRecord", accessJwt, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) procedure(ctx context.Context, method, token string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode input: %w", method, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.call(ctx, method, token, contentType, body, out)
}

func (c *Client) call(ctx context.Context, method, token, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.service+"/xrpc/"+method, body)
	if err != nil {
		return &Error{Kind: KindNetwork, Method: method, Err: fmt.Errorf("create request: %w", err)}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Method: method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return &Error{Kind: KindNetwork, Method: method, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return responseError(method, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindRejected, Method: method, Status: resp.StatusCode, Err: fmt.Errorf("decode output: %w", err)}
	}
	return nil
}

var authErrors = map[string]bool{
	"AuthenticationRequired":  true,
	"AuthFactorTokenRequired": true,
	"ExpiredToken":            true,
	"InvalidToken":            true,
	"AccountTakedown":         true,
}

func responseError(method string, status int, body []byte) *Error {
	var xe struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &xe)

	e := &Error{Method: method, Status: status, Name: xe.Error, Message: xe.Message}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || authErrors[xe.Error]:
		e.Kind = KindAuth
	case status == http.StatusTooManyRequests || xe.Error == "RateLimitExceeded":
		e.Kind = KindRateLimited
	case status >= 500:
		e.Kind = KindNetwork
	default:
		e.Kind = KindRejected
	}
	return e
}
