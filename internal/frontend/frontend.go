package frontend

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/volantsearch/replicate/internal/wire"
)

var log = logger.GetLogger("frontend")

// Frontend dispatches applied wire.Requests to a chi router and serves
// local, non-replicated reads. It is wire.Dispatcher's production
// implementation: a small worker pool decouples the consensus apply thread
// from however long a handler takes, while Update's per-entry res.Await()
// still serializes the effect on the shard's state.
type Frontend struct {
	router      chi.Router
	collections *Collections
	queue       chan *wire.Message
}

// New builds a Frontend with workers worker goroutines consuming the
// REPLICATION_MSG channel.
func New(router chi.Router, collections *Collections, workers int) *Frontend {
	if workers < 1 {
		workers = 1
	}
	f := &Frontend{
		router:      router,
		collections: collections,
		queue:       make(chan *wire.Message, workers*4),
	}
	for i := 0; i < workers; i++ {
		go f.worker()
	}
	return f
}

func (f *Frontend) worker() {
	for msg := range f.queue {
		f.apply(msg)
	}
}

// SendMessage implements wire.Dispatcher. Channel is accepted but unused -
// this Frontend only ever serves wire.ReplicationChannel, matching the core's
// own single-channel usage.
func (f *Frontend) SendMessage(_ string, msg *wire.Message) error {
	f.queue <- msg
	return nil
}

// apply replays req through the router and completes res with the result.
// Safe to call for both live and replayed requests: routing depends only on
// method, path and body, none of which differ between replicas.
func (f *Frontend) apply(msg *wire.Message) {
	req, res := msg.Req, msg.Res

	if req.RouteHash == wire.AlreadyHandled {
		res.Final = true
		res.Complete()
		return
	}

	httpReq := httptest.NewRequest(req.Method, req.Path, bodyReader(req.Body))
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Query != nil {
		httpReq.URL.RawQuery = req.Query.Encode()
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httpReq)

	res.Status = rec.Code
	res.Body = rec.Body.Bytes()
	res.ContentType = rec.Header().Get("Content-Type")
	res.Final = true
	res.Complete()
}

// ServeRead handles a read-only request directly against the local store,
// bypassing the replicated write path entirely - the core leaves read()
// unimplemented, so the front-end owns every GET itself.
func (f *Frontend) ServeRead(w http.ResponseWriter, r *http.Request) {
	f.router.ServeHTTP(w, r)
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}
