package frontend

import (
	"io"
	"net/http"

	"github.com/volantsearch/replicate/internal/wire"
)

// Writer is the subset of *replicate.StateMachine the ingress adapter
// depends on, kept local to avoid a frontend -> replicate import edge.
type Writer interface {
	Write(req *wire.Request, res *wire.Response)
}

// Ingress is the HTTP listener every client connects to: GET requests are
// served locally against this node's own store, everything else is handed
// to the write path (which itself forwards to the leader when this node is
// a follower).
type Ingress struct {
	writer Writer
	reads  *Frontend
}

// NewIngress builds the top-level http.Handler for a node.
func NewIngress(writer Writer, reads *Frontend) *Ingress {
	return &Ingress{writer: writer, reads: reads}
}

func (i *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		i.reads.ServeRead(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	req := &wire.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: headers,
		Body:    body,
		Live:    true,
	}
	res := wire.NewResponse()

	i.writer.Write(req, res)
	res.Await()

	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}
