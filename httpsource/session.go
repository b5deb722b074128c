// Package httpsource provides download sessions that stream object byte
// ranges over HTTP using bearer-token authentication.
package httpsource

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gkatanacio/hyperdl/download"
)

var (
	ErrUnknownContentLength      = errors.New("unknown content length")
	ErrPartialRequestUnsupported = errors.New("partial request not supported")
	ErrNoBaseURL                 = errors.New("base URL required")
	ErrETagMismatch              = errors.New("ETag mismatch")
)

// Options represents the configuration of a session.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Session is a download.Session backed by an HTTP server that serves objects
// at <BaseURL>/<object id> and honours Range requests.
type Session struct {
	name       string
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

var (
	_ download.Session     = (*Session)(nil)
	_ download.ObjectSizer = (*Session)(nil)
)

func NewSession(name string, opts Options) (*Session, error) {
	if opts.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	return &Session{
		name:    name,
		baseURL: u,
		token:   opts.Token,
		httpClient: &http.Client{
			// Range bodies may stream for a long time; only headers are bounded.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: opts.Timeout,
			},
		},
	}, nil
}

func (s *Session) String() string {
	return s.name
}

// ObjectSize asks the server for the size of obj with a HEAD request.
func (s *Session) ObjectSize(ctx context.Context, obj download.ObjectRef) (int64, error) {
	resp, err := s.head(ctx, obj)
	if err != nil {
		return 0, err
	}

	if resp.ContentLength == -1 {
		return 0, download.Permanent(ErrUnknownContentLength)
	}

	acceptRanges := resp.Header.Get("Accept-Ranges")
	if len(acceptRanges) == 0 || acceptRanges == "none" {
		return 0, download.Permanent(ErrPartialRequestUnsupported)
	}

	return resp.ContentLength, nil
}

// ObjectETag returns the ETag of obj without quotes, or an empty string when
// the server does not send one.
func (s *Session) ObjectETag(ctx context.Context, obj download.ObjectRef) (string, error) {
	resp, err := s.head(ctx, obj)
	if err != nil {
		return "", err
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

func (s *Session) head(ctx context.Context, obj download.ObjectRef) (*http.Response, error) {
	req, err := s.newRequest(ctx, http.MethodHead, obj)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp, nil
}

// CheckETag compares the MD5 hash of r with etag, as served by objects that
// were not uploaded in multiple parts.
func CheckETag(r io.Reader, etag string) error {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return fmt.Errorf("hash content: %w", err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != strings.ToLower(etag) {
		return fmt.Errorf("%w: content hash %s, ETag %s", ErrETagMismatch, sum, etag)
	}
	return nil
}

// OpenRange issues a GET for the bytes [start, end) of obj and returns the
// response body.
func (s *Session) OpenRange(ctx context.Context, obj download.ObjectRef, start, end int64) (io.ReadCloser, error) {
	req, err := s.newRequest(ctx, http.MethodGet, obj)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if err := checkStatus(resp, http.StatusPartialContent); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return resp.Body, nil
}

func (s *Session) newRequest(ctx context.Context, method string, obj download.ObjectRef) (*http.Request, error) {
	u := s.baseURL.JoinPath(url.PathEscape(strings.TrimPrefix(obj.ID, "/")))

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, download.Permanent(err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	return req, nil
}

// checkStatus maps unexpected responses to errors. Client errors that a retry
// cannot fix are permanent.
func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}

	err := fmt.Errorf("received %d response from %s", resp.StatusCode, resp.Request.URL.Redacted())
	switch resp.StatusCode {
	case http.StatusOK:
		// a full body where a range was asked for
		return download.Permanent(fmt.Errorf("%w: %w", ErrPartialRequestUnsupported, err))
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
		http.StatusGone, http.StatusRequestedRangeNotSatisfiable:
		return download.Permanent(err)
	default:
		return err
	}
}
