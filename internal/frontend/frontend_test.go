package frontend

import (
	"net/url"
	"testing"
	"time"

	"github.com/volantsearch/replicate/internal/store"
	"github.com/volantsearch/replicate/internal/wire"
)

type fixedStoreProvider struct{ st *store.Store }

func (p fixedStoreProvider) Store() *store.Store { return p.st }

func newTestFrontend(t *testing.T) (*Frontend, *Collections) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	provider := fixedStoreProvider{st: st}
	collections := NewCollections(provider)
	router := NewRouter(provider, collections)
	return New(router, collections, 2), collections
}

func applyAndAwait(t *testing.T, f *Frontend, req *wire.Request) *wire.Response {
	t.Helper()
	res := wire.NewResponse()
	if err := f.SendMessage(wire.ReplicationChannel, &wire.Message{Req: req, Res: res}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	select {
	case <-awaitChan(res):
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	return res
}

func awaitChan(res *wire.Response) <-chan struct{} {
	done := make(chan struct{})
	go func() { res.Await(); close(done) }()
	return done
}

func TestCreateCollectionThenDocument(t *testing.T) {
	f, collections := newTestFrontend(t)

	res := applyAndAwait(t, f, &wire.Request{Method: "POST", Path: "/collections/books"})
	if res.Status != 201 {
		t.Fatalf("create collection status = %d, body = %s", res.Status, res.Body)
	}
	if !collections.has("books") {
		t.Fatal("expected collections.has(\"books\") after create")
	}

	res = applyAndAwait(t, f, &wire.Request{
		Method: "POST",
		Path:   "/collections/books/documents",
		Body:   []byte(`{"id":"1","fields":{"title":"Dune"}}`),
	})
	if res.Status != 201 {
		t.Fatalf("create document status = %d, body = %s", res.Status, res.Body)
	}
}

func TestDocumentRoundTripThroughRouter(t *testing.T) {
	f, _ := newTestFrontend(t)

	applyAndAwait(t, f, &wire.Request{Method: "POST", Path: "/collections/books"})
	applyAndAwait(t, f, &wire.Request{
		Method: "PUT",
		Path:   "/collections/books/documents/1",
		Body:   []byte(`{"id":"1","fields":{"title":"Dune"}}`),
	})

	res := applyAndAwait(t, f, &wire.Request{Method: "GET", Path: "/collections/books/documents/1"})
	if res.Status != 200 {
		t.Fatalf("get document status = %d, body = %s", res.Status, res.Body)
	}

	res = applyAndAwait(t, f, &wire.Request{Method: "DELETE", Path: "/collections/books/documents/1"})
	if res.Status != 204 {
		t.Fatalf("delete document status = %d, body = %s", res.Status, res.Body)
	}

	res = applyAndAwait(t, f, &wire.Request{Method: "GET", Path: "/collections/books/documents/1"})
	if res.Status != 404 {
		t.Fatalf("expected 404 after delete, got %d", res.Status)
	}
}

func TestCreateDocumentRequiresKnownCollection(t *testing.T) {
	f, _ := newTestFrontend(t)

	res := applyAndAwait(t, f, &wire.Request{
		Method: "POST",
		Path:   "/collections/missing/documents",
		Body:   []byte(`{"id":"1"}`),
		Query:  url.Values{},
	})
	if res.Status != 404 {
		t.Fatalf("status = %d, want 404", res.Status)
	}
}

func TestApplySkipsRouterWhenAlreadyHandled(t *testing.T) {
	f, collections := newTestFrontend(t)

	req := &wire.Request{
		Method:    "POST",
		Path:      "/collections/books",
		RouteHash: wire.AlreadyHandled,
	}
	res := applyAndAwait(t, f, req)

	if res.Status != 0 || res.Body != nil {
		t.Fatalf("res = %+v, want untouched status/body", res)
	}
	if collections.has("books") {
		t.Fatal("apply must not run an already-handled request through the router")
	}
}

func TestCollectionsLoadRebuildsIndexFromStore(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	if err := st.Set(docKey("books", "1"), []byte(`{"id":"1"}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	collections := NewCollections(fixedStoreProvider{st: st})
	if err := collections.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !collections.has("books") {
		t.Fatal("expected Load to recover the \"books\" collection from its document keys")
	}
}
