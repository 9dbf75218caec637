// Package codec implements the RequestCodec component: serializing a
// wire.Request into the opaque bytes that become a log entry, and back.
//
// Adapted from the teacher's rpc/serializer package, which offered a
// pluggable IRPCSerializer (JSON/GOB/binary) over its own Message type.
// Here the wire format additionally carries a local-only task ID prefix
// (spec.md §4.4.3: "if the entry carries a local in-flight callback, recover
// the original (req, res) from the callback"), since Go's dragonboat
// integration has no closure-threading equivalent to braft's task.done —
// the task ID is how a node recognizes its own in-flight submission when
// the entry comes back through Update().
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/volantsearch/replicate/internal/wire"
)

// taskIDSize is the width, in bytes, of the local task-id prefix every
// serialized entry carries ahead of the encoded Request.
const taskIDSize = 8

// Codec serializes and deserializes a wire.Request to/from log-entry bytes.
type Codec interface {
	// Serialize encodes taskID and req into a single opaque buffer.
	Serialize(taskID uint64, req *wire.Request) ([]byte, error)
	// Deserialize extracts the local task-id prefix and decodes the
	// request body.
	Deserialize(data []byte) (taskID uint64, req *wire.Request, err error)
}

// New returns the default Codec, matching the teacher's default serializer
// selection (binary) for compactness on the replicated log.
func New() Codec {
	return &binaryCodec{}
}

// --------------------------------------------------------------------------
// Binary strategy — deterministic, length-prefixed, mirrors
// dstore/internal/Command.Serialize's layout style.
// --------------------------------------------------------------------------

type binaryCodec struct{}

func (binaryCodec) Serialize(taskID uint64, req *wire.Request) ([]byte, error) {
	var buf bytes.Buffer

	var taskIDBytes [taskIDSize]byte
	binary.BigEndian.PutUint64(taskIDBytes[:], taskID)
	buf.Write(taskIDBytes[:])

	writeString(&buf, req.Method)
	writeString(&buf, req.Path)
	writeString(&buf, encodeQuery(req.Query))
	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeUint32(&buf, uint32(len(keys)))
	for _, k := range keys {
		writeString(&buf, k)
		writeString(&buf, req.Headers[k])
	}
	writeUint64(&buf, uint64(req.RouteHash))
	writeUint32(&buf, uint32(len(req.Body)))
	buf.Write(req.Body)

	return buf.Bytes(), nil
}

func (binaryCodec) Deserialize(data []byte) (uint64, *wire.Request, error) {
	if len(data) < taskIDSize {
		return 0, nil, errors.New("codec: entry too short for task id")
	}
	taskID := binary.BigEndian.Uint64(data[:taskIDSize])
	r := bytes.NewReader(data[taskIDSize:])

	method, err := readString(r)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: read method")
	}
	path, err := readString(r)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: read path")
	}
	rawQuery, err := readString(r)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: read query")
	}
	query, err := decodeQuery(rawQuery)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: decode query")
	}

	headerCount, err := readUint32(r)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: read header count")
	}
	headers := make(map[string]string, headerCount)
	for i := uint32(0); i < headerCount; i++ {
		k, err := readString(r)
		if err != nil {
			return 0, nil, errors.Wrap(err, "codec: read header key")
		}
		v, err := readString(r)
		if err != nil {
			return 0, nil, errors.Wrap(err, "codec: read header value")
		}
		headers[k] = v
	}

	routeHash, err := readUint64(r)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: read route hash")
	}

	bodyLen, err := readUint32(r)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: read body length")
	}
	body := make([]byte, bodyLen)
	if _, err := r.Read(body); err != nil && bodyLen > 0 {
		return 0, nil, errors.Wrap(err, "codec: read body")
	}

	return taskID, &wire.Request{
		Method:    method,
		Path:      path,
		Query:     query,
		Headers:   headers,
		Body:      body,
		RouteHash: wire.RouteHash(routeHash),
		Live:      false,
	}, nil
}

// --------------------------------------------------------------------------
// JSON and GOB strategies — kept as alternates the way the teacher kept
// three interchangeable IRPCSerializer implementations, selectable by
// cmd/serve's --codec flag.
// --------------------------------------------------------------------------

type wireRequest struct {
	TaskID    uint64
	Method    string
	Path      string
	Query     string
	Headers   map[string]string
	RouteHash uint64
	Body      []byte
}

type jsonCodec struct{}

// NewJSON returns a Codec that uses JSON encoding, trading compactness for
// human-readable log entries (useful for debugging a raft log by hand).
func NewJSON() Codec { return &jsonCodec{} }

func (jsonCodec) Serialize(taskID uint64, req *wire.Request) ([]byte, error) {
	return json.Marshal(wireRequest{
		TaskID:    taskID,
		Method:    req.Method,
		Path:      req.Path,
		Query:     encodeQuery(req.Query),
		Headers:   req.Headers,
		RouteHash: uint64(req.RouteHash),
		Body:      req.Body,
	})
}

func (jsonCodec) Deserialize(data []byte) (uint64, *wire.Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return 0, nil, errors.Wrap(err, "codec: json decode")
	}
	query, err := decodeQuery(w.Query)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: decode query")
	}
	return w.TaskID, &wire.Request{
		Method:    w.Method,
		Path:      w.Path,
		Query:     query,
		Headers:   w.Headers,
		Body:      w.Body,
		RouteHash: wire.RouteHash(w.RouteHash),
	}, nil
}

type gobCodec struct{}

// NewGOB returns a Codec that uses encoding/gob.
func NewGOB() Codec { return &gobCodec{} }

func (gobCodec) Serialize(taskID uint64, req *wire.Request) ([]byte, error) {
	var buf bytes.Buffer
	w := wireRequest{
		TaskID:    taskID,
		Method:    req.Method,
		Path:      req.Path,
		Query:     encodeQuery(req.Query),
		Headers:   req.Headers,
		RouteHash: uint64(req.RouteHash),
		Body:      req.Body,
	}
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, errors.Wrap(err, "codec: gob encode")
	}
	return buf.Bytes(), nil
}

func (gobCodec) Deserialize(data []byte) (uint64, *wire.Request, error) {
	var w wireRequest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return 0, nil, errors.Wrap(err, "codec: gob decode")
	}
	query, err := decodeQuery(w.Query)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: decode query")
	}
	return w.TaskID, &wire.Request{
		Method:    w.Method,
		Path:      w.Path,
		Query:     query,
		Headers:   w.Headers,
		Body:      w.Body,
		RouteHash: wire.RouteHash(w.RouteHash),
	}, nil
}
