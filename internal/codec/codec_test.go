package codec

import (
	"net/url"
	"reflect"
	"testing"

	"github.com/volantsearch/replicate/internal/wire"
)

func sampleRequest() *wire.Request {
	return &wire.Request{
		Method:    "POST",
		Path:      "/collections/c/documents",
		Query:     url.Values{"action": {"upsert"}},
		Headers:   map[string]string{"content-type": "application/json"},
		Body:      []byte(`{"id":"1","x":1}`),
		RouteHash: wire.RouteHash(42),
	}
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	c := New()
	req := sampleRequest()

	data, err := c.Serialize(7, req)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	taskID, got, err := c.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if taskID != 7 {
		t.Errorf("taskID = %d, want 7", taskID)
	}
	assertRequestEqual(t, req, got)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := NewJSON()
	req := sampleRequest()

	data, err := c.Serialize(11, req)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	taskID, got, err := c.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if taskID != 11 {
		t.Errorf("taskID = %d, want 11", taskID)
	}
	assertRequestEqual(t, req, got)
}

func TestGOBCodecRoundTrip(t *testing.T) {
	c := NewGOB()
	req := sampleRequest()

	data, err := c.Serialize(99, req)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	taskID, got, err := c.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if taskID != 99 {
		t.Errorf("taskID = %d, want 99", taskID)
	}
	assertRequestEqual(t, req, got)
}

func TestBinaryCodecEmptyBody(t *testing.T) {
	c := New()
	req := &wire.Request{Method: "GET", Path: "/", Query: url.Values{}, Headers: map[string]string{}}

	data, err := c.Serialize(1, req)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	_, got, err := c.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if len(got.Body) != 0 {
		t.Errorf("Body = %q, want empty", got.Body)
	}
}

func assertRequestEqual(t *testing.T, want, got *wire.Request) {
	t.Helper()
	if want.Method != got.Method || want.Path != got.Path || want.RouteHash != got.RouteHash {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !reflect.DeepEqual([]byte(want.Body), got.Body) {
		t.Errorf("Body = %q, want %q", got.Body, want.Body)
	}
	if !reflect.DeepEqual(want.Headers, got.Headers) {
		t.Errorf("Headers = %v, want %v", got.Headers, want.Headers)
	}
	if want.Query.Encode() != got.Query.Encode() {
		t.Errorf("Query = %v, want %v", got.Query, want.Query)
	}
}
