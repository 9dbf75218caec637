// Package forward implements the Forwarder component: on a follower, or
// when no leader is known, it proxies a mutating request to the current
// leader's HTTP API and returns control to the dispatcher.
//
// Grounded on the teacher's rpc/transport/http client (connection pooling
// via net/http.Client with MaxIdleConnsPerHost/IdleConnTimeout) for the
// outbound call, and on rpc/transport/base/server.go's semaphore-based
// worker pool for bounding the number of concurrent forwarded requests —
// the spec's "Forwarder pool" (spec.md §5).
package forward

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/volantsearch/replicate/internal/wire"
)

var log = logger.GetLogger("forward")

// LeaderLocator resolves the current leader's forwarding address, in the
// "host:api_port" form the Nodes configuration string encodes (spec.md §6).
// ok is false when no leader is currently known.
type LeaderLocator interface {
	LeaderHTTPAddr() (addr string, ok bool)
}

// Forwarder proxies mutating requests from a follower to the leader.
type Forwarder struct {
	locate     LeaderLocator
	dispatcher wire.Dispatcher
	client     *http.Client
	sem        chan struct{}
	scheme     string
}

// New creates a Forwarder with the given bound on concurrent forwarded
// requests (spec.md §5: "Forwarder pool ... issues outbound leader-
// forwarded HTTP calls").
func New(locate LeaderLocator, dispatcher wire.Dispatcher, poolSize int) *Forwarder {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Forwarder{
		locate:     locate,
		dispatcher: dispatcher,
		scheme:     "http",
		sem:        make(chan struct{}, poolSize),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Forward implements spec.md §4.3. It never blocks the caller past queuing
// the work onto the bounded pool, except when it can resolve and complete
// synchronously in-line (no-leader and in-flight-proxy cases, which are
// cheap and must not race a handler invocation).
func (f *Forwarder) Forward(req *wire.Request, res *wire.Response) {
	leaderAddr, ok := f.locate.LeaderHTTPAddr()

	if !ok {
		f.rejectNoLeader(req, res)
		return
	}

	if req.Live && res.ProxiedStream {
		// In-flight proxied body: return control to the caller without
		// re-proxying (spec.md §4.3 "In-flight proxied body").
		log.Infof("inflight proxied request, returning control to caller")
		res.Complete()
		return
	}

	f.sem <- struct{}{}
	go func() {
		defer func() { <-f.sem }()
		f.forwardTo(leaderAddr, req, res)
	}()
}

func (f *Forwarder) rejectNoLeader(req *wire.Request, res *wire.Response) {
	log.Errorf("rejecting write: could not find a leader")

	if req.Live && res.ProxiedStream {
		// Streaming in progress: cannot restart the response, so just
		// unblock the waiter.
		log.Errorf("terminating streaming request gracefully")
		res.Complete()
		return
	}

	res.Status = http.StatusInternalServerError
	res.Body = []byte("Could not find a leader.")
	req.RouteHash = wire.AlreadyHandled

	if err := f.dispatcher.SendMessage(wire.ReplicationChannel, &wire.Message{Req: req, Res: res}); err != nil {
		log.Errorf("failed to post no-leader completion: %v", err)
	}
	res.Complete()
}

func (f *Forwarder) forwardTo(leaderAddr string, req *wire.Request, res *wire.Response) {
	url := fmt.Sprintf("%s://%s%s", f.scheme, leaderAddr, req.Path)
	if len(req.Query) > 0 {
		url += "?" + req.Query.Encode()
	}

	switch {
	case req.Method == http.MethodPost && strings.HasPrefix(lastSegment(req.Path), "import"):
		f.forwardImportAsync(url, req, res)
		req.RouteHash = wire.AlreadyHandled
		if err := f.dispatcher.SendMessage(wire.ReplicationChannel, &wire.Message{Req: req, Res: res}); err != nil {
			log.Errorf("failed to post forward completion: %v", err)
		}
		res.Complete()
		return
	case req.Method == http.MethodPost, req.Method == http.MethodPut, req.Method == http.MethodDelete:
		f.forwardSync(url, req, res)
	default:
		res.Status = http.StatusInternalServerError
		res.Body = []byte("Forwarding for http method not implemented")
	}

	req.RouteHash = wire.AlreadyHandled
	if err := f.dispatcher.SendMessage(wire.ReplicationChannel, &wire.Message{Req: req, Res: res}); err != nil {
		log.Errorf("failed to post forward completion: %v", err)
	}
	res.Complete()
}

// forwardSync issues a synchronous POST/PUT/DELETE and copies status, body
// and content-type back to the local response.
func (f *Forwarder) forwardSync(url string, req *wire.Request, res *wire.Response) {
	httpReq, err := http.NewRequest(req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		res.Status = http.StatusInternalServerError
		res.Body = []byte(err.Error())
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpRes, err := f.client.Do(httpReq)
	if err != nil {
		res.Status = http.StatusInternalServerError
		res.Body = []byte(err.Error())
		return
	}
	defer httpRes.Body.Close()

	body, err := io.ReadAll(httpRes.Body)
	if err != nil {
		res.Status = http.StatusInternalServerError
		res.Body = []byte(err.Error())
		return
	}

	res.Status = httpRes.StatusCode
	res.Body = body
	res.ContentType = httpRes.Header.Get("content-type")
}

// forwardImportAsync proxies an import POST to the leader. It runs on the
// Forwarder's pool goroutine, not the caller's, and reads the leader's whole
// response body before copying status, body and content-type to res; the
// response is not streamed to the client as it arrives. ProxiedStream is set
// only while the call is in flight and is cleared before this returns, after
// which forwardTo marks req AlreadyHandled and completes res as usual.
func (f *Forwarder) forwardImportAsync(url string, req *wire.Request, res *wire.Response) {
	res.ProxiedStream = true
	res.AutoDispose = false

	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		res.ProxiedStream = false
		res.Status = http.StatusInternalServerError
		res.Body = []byte(err.Error())
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpRes, err := f.client.Do(httpReq)
	if err != nil {
		res.ProxiedStream = false
		res.Status = http.StatusInternalServerError
		res.Body = []byte(err.Error())
		return
	}
	defer httpRes.Body.Close()

	body, err := io.ReadAll(httpRes.Body)
	res.ProxiedStream = false
	res.ContentType = httpRes.Header.Get("content-type")
	if err != nil {
		res.Status = http.StatusInternalServerError
		res.Body = []byte(err.Error())
		return
	}
	res.Status = httpRes.StatusCode
	res.Body = body

	log.Infof("import call done")
}

func lastSegment(path string) string {
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}
