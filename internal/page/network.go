// internal/page/network.go
package page

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestInit describes a request as the engine reported it.
type RequestInit struct {
	URL     string
	Method  string
	Headers map[string]string
	// DocumentID is the loader id of a navigation request, empty otherwise.
	DocumentID     string
	Frame          *Frame
	RedirectedFrom *Request
	StartTime      time.Time
}

// Request is one network request observed on a page. Each redirect hop is a
// separate Request linked through RedirectedFrom.
type Request struct {
	guid           string
	url            string
	method         string
	headers        map[string]string
	documentID     string
	frame          *Frame
	redirectedFrom *Request
	startTime      time.Time

	mu           sync.Mutex
	redirectedTo *Request
	response     *Response
	failure      string
}

// NewRequest creates a request and links it to the hop it redirected from.
func NewRequest(init RequestInit) *Request {
	if init.Method == "" {
		init.Method = "GET"
	}
	if init.StartTime.IsZero() {
		init.StartTime = time.Now()
	}
	r := &Request{
		guid:           uuid.NewString(),
		url:            init.URL,
		method:         init.Method,
		headers:        init.Headers,
		documentID:     init.DocumentID,
		frame:          init.Frame,
		redirectedFrom: init.RedirectedFrom,
		startTime:      init.StartTime,
	}
	if init.RedirectedFrom != nil {
		init.RedirectedFrom.mu.Lock()
		init.RedirectedFrom.redirectedTo = r
		init.RedirectedFrom.mu.Unlock()
	}
	return r
}

func (r *Request) GUID() string { return r.guid }
func (r *Request) URL() string { return r.url }
func (r *Request) Method() string { return r.method }
func (r *Request) Headers() map[string]string { return r.headers }
func (r *Request) Frame() *Frame { return r.frame }
func (r *Request) DocumentID() string { return r.documentID }
func (r *Request) RedirectedFrom() *Request { return r.redirectedFrom }
func (r *Request) StartTime() time.Time { return r.startTime }
func (r *Request) IsNavigationRequest() bool { return r.documentID != "" }

func (r *Request) RedirectedTo() *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirectedTo
}

// Response returns the response received so far, if any.
func (r *Request) Response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// Failure is the error text of a failed request.
func (r *Request) Failure() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// SetFailure records why the request failed.
func (r *Request) SetFailure(text string) {
	r.mu.Lock()
	r.failure = text
	r.mu.Unlock()
}

// Response is the response to one Request hop.
type Response struct {
	request    *Request
	url        string
	status     int
	statusText string
	headers    map[string]string

	mu       sync.Mutex
	finished bool
	duration time.Duration
}

// NewResponse attaches a response to req.
func NewResponse(req *Request, url string, status int, statusText string, headers map[string]string) *Response {
	resp := &Response{request: req, url: url, status: status, statusText: statusText, headers: headers}
	req.mu.Lock()
	req.response = resp
	req.mu.Unlock()
	return resp
}

func (r *Response) Request() *Request { return r.request }
func (r *Response) URL() string { return r.url }
func (r *Response) Status() int { return r.status }
func (r *Response) StatusText() string { return r.statusText }
func (r *Response) Headers() map[string]string { return r.headers }

// Finish marks the body as fully received. Later calls are ignored.
func (r *Response) Finish(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	r.duration = d
}

// Finished reports whether Finish was called and how long the request took.
func (r *Response) Finished() (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished, r.duration
}
