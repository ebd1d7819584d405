package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/signature"
)

// maxBodyRead bounds how much of a response body is buffered.
const maxBodyRead = 64 << 10

// Request is one signed webhook POST.
type Request struct {
	URL       string
	Body      []byte
	EventID   string
	EventType string
	Attempt   int
	Signed    signature.Signed
}

// Response is what the worker keeps from the receiver's answer.
type Response struct {
	StatusCode int
	Body       []byte
	RetryAfter string
}

// Success reports a delivered event: any 2xx, or 409 (receiver already has it).
func (r Response) Success() bool {
	return r.StatusCode/100 == 2 || r.StatusCode == http.StatusConflict
}

// Poster sends a webhook request.
type Poster interface {
	Post(ctx context.Context, req Request) (Response, error)
}

// HTTPPoster posts with a bounded timeout.
type HTTPPoster struct {
	client *http.Client
}

func NewHTTPPoster(timeout time.Duration) *HTTPPoster {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPoster{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPPoster) Post(ctx context.Context, r Request) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderEvent, r.EventType)
	req.Header.Set(signature.HeaderID, r.EventID)
	req.Header.Set(signature.HeaderTimestamp, strconv.FormatInt(r.Signed.Timestamp, 10))
	req.Header.Set(signature.HeaderSignature, r.Signed.Signature)
	req.Header.Set(signature.HeaderAttempt, strconv.Itoa(r.Attempt))
	req.Header.Set(signature.HeaderSpecVersion, model.WebhookSpecVersion)

	res, err := p.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyRead))
	if err != nil {
		// keep the status; the marker leads so snippet truncation never drops it
		body = append([]byte("[body read failed: "+err.Error()+"] "), body...)
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxBodyRead))
	}

	return Response{
		StatusCode: res.StatusCode,
		Body:       body,
		RetryAfter: res.Header.Get("Retry-After"),
	}, nil
}

// Snippet returns at most limit bytes of body as valid UTF-8.
func Snippet(body []byte, limit int) string {
	if limit > 0 && len(body) > limit {
		body = body[:limit]
	}
	if utf8.Valid(body) {
		return string(body)
	}
	return strings.ToValidUTF8(string(body), "")
}
