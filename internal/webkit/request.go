// internal/webkit/request.go
package webkit

import (
	"math"
	"time"

	"github.com/xkilldash9x/driveline/internal/connection"
	"github.com/xkilldash9x/driveline/internal/page"
)

// InterceptableRequest is the bookkeeping entry for one network load, keyed
// by the engine request id. A redirect keeps the entry and moves it to the
// next hop; the responses of earlier hops stay in the history.
type InterceptableRequest struct {
	session   *connection.Session
	requestID string
	request   *page.Request
	// timestamp is the monotonic engine time, in seconds, the current hop started.
	timestamp float64
	responses []*page.Response
}

func newInterceptableRequest(session *connection.Session, frame *page.Frame, ev requestWillBeSentPayload, redirectedFrom *page.Request, documentID string) *InterceptableRequest {
	r := &InterceptableRequest{session: session, requestID: ev.RequestID}
	r.startHop(frame, ev, redirectedFrom, documentID)
	return r
}

func (r *InterceptableRequest) startHop(frame *page.Frame, ev requestWillBeSentPayload, redirectedFrom *page.Request, documentID string) {
	r.timestamp = ev.Timestamp
	r.request = page.NewRequest(page.RequestInit{
		URL:            ev.Request.URL,
		Method:         ev.Request.Method,
		Headers:        ev.Request.Headers,
		DocumentID:     documentID,
		Frame:          frame,
		RedirectedFrom: redirectedFrom,
	})
}

// Request is the current hop.
func (r *InterceptableRequest) Request() *page.Request { return r.request }

// RequestID is the engine id the entry is currently keyed by.
func (r *InterceptableRequest) RequestID() string { return r.requestID }

// Session is the target session that reports this load.
func (r *InterceptableRequest) Session() *connection.Session { return r.session }

// Responses is every response received so far, oldest hop first.
func (r *InterceptableRequest) Responses() []*page.Response {
	return append([]*page.Response(nil), r.responses...)
}

func (r *InterceptableRequest) createResponse(p responsePayload) *page.Response {
	resp := page.NewResponse(r.request, p.URL, p.Status, p.StatusText, p.Headers)
	r.responses = append(r.responses, resp)
	return resp
}

// elapsed converts an engine timestamp into the time since the hop started.
func (r *InterceptableRequest) elapsed(timestamp float64) time.Duration {
	ms := math.Round((timestamp - r.timestamp) * 1000)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// adoptFromNewProcess hands the load over to the session of a new process,
// which reports it under a new request id. Identity and start time are kept.
func (r *InterceptableRequest) adoptFromNewProcess(session *connection.Session, requestID string) {
	r.session = session
	r.requestID = requestID
}
