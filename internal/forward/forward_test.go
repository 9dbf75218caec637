package forward

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/volantsearch/replicate/internal/wire"
)

type fakeLocator struct {
	addr string
	ok   bool
}

func (f fakeLocator) LeaderHTTPAddr() (string, bool) { return f.addr, f.ok }

type fakeDispatcher struct {
	mu   sync.Mutex
	msgs []*wire.Message
}

func (d *fakeDispatcher) SendMessage(channel string, msg *wire.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

func TestForwardNoLeader(t *testing.T) {
	disp := &fakeDispatcher{}
	f := New(fakeLocator{ok: false}, disp, 4)

	req := &wire.Request{Method: "POST", Path: "/keys"}
	res := wire.NewResponse()

	f.Forward(req, res)
	res.Await()

	if res.Status != http.StatusInternalServerError {
		t.Fatalf("Status = %d, want 500", res.Status)
	}
	if string(res.Body) != "Could not find a leader." {
		t.Fatalf("Body = %q", res.Body)
	}
	if req.RouteHash != wire.AlreadyHandled {
		t.Fatalf("RouteHash = %d, want AlreadyHandled", req.RouteHash)
	}
	if disp.count() != 1 {
		t.Fatalf("dispatcher got %d messages, want 1", disp.count())
	}
}

func TestForwardSyncPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	disp := &fakeDispatcher{}
	f := New(fakeLocator{addr: srv.Listener.Addr().String(), ok: true}, disp, 4)

	req := &wire.Request{Method: "POST", Path: "/collections/c/documents", Body: []byte(`{"id":"1"}`)}
	res := wire.NewResponse()

	f.Forward(req, res)
	waitOrTimeout(t, res)

	if res.Status != http.StatusCreated {
		t.Fatalf("Status = %d, want 201", res.Status)
	}
	if string(res.Body) != `{"ok":true}` {
		t.Fatalf("Body = %q", res.Body)
	}
	if res.ContentType != "application/json" {
		t.Fatalf("ContentType = %q", res.ContentType)
	}
	if disp.count() != 1 {
		t.Fatalf("dispatcher got %d messages, want 1", disp.count())
	}
}

func TestForwardUnsupportedMethod(t *testing.T) {
	disp := &fakeDispatcher{}
	f := New(fakeLocator{addr: "127.0.0.1:1", ok: true}, disp, 4)

	req := &wire.Request{Method: "PATCH", Path: "/keys"}
	res := wire.NewResponse()

	f.Forward(req, res)
	waitOrTimeout(t, res)

	if res.Status != http.StatusInternalServerError {
		t.Fatalf("Status = %d, want 500", res.Status)
	}
}

func TestForwardInFlightProxy(t *testing.T) {
	disp := &fakeDispatcher{}
	f := New(fakeLocator{addr: "127.0.0.1:1", ok: true}, disp, 4)

	req := &wire.Request{Method: "POST", Path: "/collections/c/import", Live: true}
	res := wire.NewResponse()
	res.ProxiedStream = true

	f.Forward(req, res)
	waitOrTimeout(t, res)

	if disp.count() != 0 {
		t.Fatalf("dispatcher got %d messages, want 0 (no re-proxy)", disp.count())
	}
}

func waitOrTimeout(t *testing.T, res *wire.Response) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		res.Await()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response completion")
	}
}
