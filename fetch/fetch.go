// Package fetch retrieves content referenced by URL. It is used to pull the
// bytes of managed datastreams which were added by reference.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ndlib/dorepo/util"
)

// ErrUnreachable is matched by every fetch Error.
var ErrUnreachable = errors.New("content unreachable or invalid")

// Error describes a failed fetch.
type Error struct {
	URL    string
	Status int // HTTP status, if one was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: received status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnreachable) succeed.
func (e *Error) Is(target error) bool { return target == ErrUnreachable }

// Client fetches content over http, https and, if enabled, from local files.
// It can be shared between multiple goroutines.
type Client struct {
	// HTTP is the client used for requests. If nil a client with Timeout
	// is used.
	HTTP *http.Client

	// Timeout bounds a whole http request. Defaults to 10 minutes.
	Timeout time.Duration

	// AllowFiles enables file: URLs. They are off by default since they
	// give access to the local file system.
	AllowFiles bool

	// MaxConcurrent limits the number of fetches in flight. 0 means no
	// limit.
	MaxConcurrent int

	// UserAgent is sent with every http request.
	UserAgent string

	gate util.Gate
}

// DefaultUserAgent is used when Client.UserAgent is empty.
const DefaultUserAgent = "dorepo-fetch/1.0"

// New returns a Client allowing at most max concurrent fetches.
func New(max int) *Client {
	c := &Client{MaxConcurrent: max}
	if max > 0 {
		c.gate = util.NewGate(max)
	}
	return c
}

// Valid reports whether s is a URL this package knows how to fetch. It does
// not check that the content exists.
func Valid(s string) bool {
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		return false
	}
	switch u.Scheme {
	case "http", "https":
		return u.Host != ""
	case "file":
		return u.Path != ""
	}
	return false
}

// Fetch retrieves the content at rawurl and returns its MIME type and a
// reader for the body. The caller must close the reader. Any failure is
// reported as an *Error.
func (c *Client) Fetch(ctx context.Context, rawurl string) (string, io.ReadCloser, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", nil, &Error{URL: rawurl, Err: err}
	}
	if c.gate != nil {
		if err := c.gate.EnterContext(ctx); err != nil {
			return "", nil, &Error{URL: rawurl, Err: err}
		}
	}
	var mimetype string
	var body io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		mimetype, body, err = c.fetchHTTP(ctx, rawurl)
	case "file":
		if !c.AllowFiles {
			err = &Error{URL: rawurl, Err: errors.New("file URLs are disabled")}
			break
		}
		mimetype, body, err = fetchFile(rawurl, u.Path)
	default:
		err = &Error{URL: rawurl, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if err != nil {
		if c.gate != nil {
			c.gate.Leave()
		}
		return "", nil, err
	}
	if c.gate != nil {
		body = &leaver{ReadCloser: body, gate: c.gate}
	}
	return mimetype, body, nil
}

func (c *Client) fetchHTTP(ctx context.Context, rawurl string) (string, io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawurl, nil)
	if err != nil {
		return "", nil, &Error{URL: rawurl, Err: err}
	}
	ua := c.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	resp, err := c.client().Do(req)
	if err != nil {
		return "", nil, &Error{URL: rawurl, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return "", nil, &Error{URL: rawurl, Status: resp.StatusCode}
	}
	mimetype := resp.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	return mimetype, resp.Body, nil
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}

func fetchFile(rawurl, path string) (string, io.ReadCloser, error) {
	f, err := os.Open(filepath.FromSlash(path))
	if err != nil {
		return "", nil, &Error{URL: rawurl, Err: err}
	}
	mimetype := mime.TypeByExtension(filepath.Ext(path))
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	return mimetype, f, nil
}

// leaver releases a gate slot when the body is closed.
type leaver struct {
	io.ReadCloser
	gate util.Gate
	done bool
}

func (l *leaver) Close() error {
	if !l.done {
		l.done = true
		l.gate.Leave()
	}
	return l.ReadCloser.Close()
}
