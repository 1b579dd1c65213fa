package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/ndlib/dorepo/journal"
)

// Exported errors
var (
	ErrNoJournal      = errors.New("remote server has no journal")
	ErrUnexpectedResp = errors.New("unexpected response code")
)

// RemoteSource reads the journal of another repository over HTTP. It lets a
// follower replay from a leader.
type RemoteSource struct {
	HostURL string // e.g. "http://leader:14000"
	client  *http.Client
}

var _ journal.Source = &RemoteSource{}

// NewRemoteSource returns a source reading the journal served at hostURL.
func NewRemoteSource(hostURL string) *RemoteSource {
	return &RemoteSource{
		HostURL: strings.TrimSuffix(hostURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Minute, // arbitrary
		},
	}
}

// Last returns the position of the last durable entry on the remote server.
func (rs *RemoteSource) Last() (uint64, error) {
	resp, err := rs.get("/journal/status")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	v, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return 0, err
	}
	n, err := v.GetInt64("Last")
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// Scan reads the remote journal from position from and passes each entry to
// fn, in order. Returning journal.ErrStopScan from fn ends the scan early
// without an error.
func (rs *RemoteSource) Scan(from uint64, fn func(*journal.Entry) error) error {
	resp, err := rs.get(fmt.Sprintf("/journal?from=%d", from))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	dec := journal.NewDecoder(resp.Body)
	for {
		e, err := dec.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		err = fn(e)
		if err == journal.ErrStopScan {
			return nil
		} else if err != nil {
			return err
		}
	}
}

func (rs *RemoteSource) get(path string) (*http.Response, error) {
	resp, err := rs.client.Get(rs.HostURL + path)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case 200:
		return resp, nil
	case 404:
		resp.Body.Close()
		return nil, ErrNoJournal
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: received status %d from %s", ErrUnexpectedResp, resp.StatusCode, rs.HostURL)
	}
}
