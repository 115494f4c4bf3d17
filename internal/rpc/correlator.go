// Package rpc builds JSON-RPC requests for the device and correlates
// inbound replies with the requests that caused them.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/audiosync/internal/errors"
	"github.com/alexjbarnes/audiosync/internal/metrics"
	"github.com/tidwall/gjson"
)

// requiredKeys lists the fields every result variant must carry. Only
// the date of a file-info result is optional.
var requiredKeys = map[string][]string{
	MethodGetVersion:  {"project", "version", "esp-idf"},
	MethodGetFileList: {"first", "last", "files"},
	MethodGetFileInfo: {"filename", "genre", "artist", "album", "title", "track", "duration"},
}

// Correlator allocates request ids and matches replies against the
// table of pending requests. It is safe for concurrent use.
type Correlator struct {
	logger *slog.Logger

	mu      sync.Mutex
	lastID  uint32
	pending map[uint32]string
}

// NewCorrelator returns an empty Correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	return &Correlator{
		logger:  logger,
		pending: make(map[uint32]string),
	}
}

// Request allocates an id for method, records it as pending and returns
// the serialized request. A nil params omits the field.
func (c *Correlator) Request(method string, params any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID()

	data, err := json.Marshal(request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling %s request: %w", method, err)
	}

	c.pending[id] = method
	metrics.RequestsTotal.WithLabelValues(method).Inc()
	metrics.PendingRequests.Set(float64(len(c.pending)))

	return string(data), nil
}

// GetVersion builds a get-version request.
func (c *Correlator) GetVersion() (string, error) {
	return c.Request(MethodGetVersion, nil)
}

// GetFileList builds a get-file-list request. start restarts the
// listing from its first page.
func (c *Correlator) GetFileList(start bool) (string, error) {
	return c.Request(MethodGetFileList, FileListParams{Start: start})
}

// GetFileInfo builds a get-file-info request for filename.
func (c *Correlator) GetFileInfo(filename string) (string, error) {
	return c.Request(MethodGetFileInfo, FileInfoParams{Filename: filename})
}

// nextID returns the next id that is neither zero nor pending. Callers
// must hold mu.
func (c *Correlator) nextID() uint32 {
	for {
		c.lastID++
		if c.lastID == 0 {
			continue
		}

		if _, live := c.pending[c.lastID]; !live {
			return c.lastID
		}
	}
}

// Parse decodes one inbound message. It returns a Reply carrying either
// a typed result or a *DeviceError, or an error when the message was
// dropped. Replies to known ids consume the pending entry even when the
// result turns out to be unusable; the returned Reply then carries the
// id and method of the consumed request and nothing else.
func (c *Correlator) Parse(raw string) (Reply, error) {
	reply, err := c.parse(raw)
	if err != nil {
		c.logger.Warn("dropping inbound message",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(raw)),
		)

		method := reply.Method
		if method == "" {
			method = "unknown"
		}

		metrics.RepliesTotal.WithLabelValues(method, "dropped").Inc()

		return Reply{ID: reply.ID, Method: reply.Method}, err
	}

	outcome := "result"
	if reply.Err != nil {
		outcome = "error"
	}

	metrics.RepliesTotal.WithLabelValues(reply.Method, outcome).Inc()

	return reply, nil
}

func (c *Correlator) parse(raw string) (Reply, error) {
	var env envelope
	if err := decodeStrict([]byte(raw), &env); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedMessage, err)
	}

	if env.JSONRPC != Version {
		return Reply{}, fmt.Errorf("%w: %q", apperrors.ErrProtocolVersion, env.JSONRPC)
	}

	hasResult := len(env.Result) > 0 && !bytes.Equal(env.Result, []byte("null"))
	hasError := env.Error != nil

	if hasResult == hasError {
		return Reply{}, fmt.Errorf("%w: need exactly one of result and error", apperrors.ErrMalformedMessage)
	}

	if env.ID == nil {
		return Reply{}, fmt.Errorf("%w: missing id", apperrors.ErrMalformedMessage)
	}

	id := *env.ID

	method, ok := c.take(id)
	if !ok {
		return Reply{}, fmt.Errorf("%w: %d", apperrors.ErrUnknownID, id)
	}

	reply := Reply{ID: id, Method: method}

	if hasError {
		reply.Err = &DeviceError{
			Method:  method,
			Code:    env.Error.Code,
			Message: env.Error.Message,
		}

		return reply, nil
	}

	result, err := decodeResult(env.Result)
	if err != nil {
		return reply, fmt.Errorf("reply %d to %s: %w", id, method, err)
	}

	if result.Method() != method {
		return reply, fmt.Errorf("%w: reply %d to %s looks like %s", apperrors.ErrResultMismatch, id, method, result.Method())
	}

	reply.Result = result

	return reply, nil
}

// take removes and returns the pending method for id.
func (c *Correlator) take(id uint32) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	method, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		metrics.PendingRequests.Set(float64(len(c.pending)))
	}

	return method, ok
}

// Reset drops every pending request and returns how many were dropped.
// Replies to those requests will be treated as unknown.
func (c *Correlator) Reset() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.pending)
	clear(c.pending)
	metrics.PendingRequests.Set(0)

	return n
}

// Pending returns the number of requests awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// decodeResult infers the result variant from its keys, then decodes it
// strictly. The variant must still be checked against the request method.
func decodeResult(raw json.RawMessage) (Result, error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: result is not an object", apperrors.ErrMalformedMessage)
	}

	var result Result

	switch {
	case parsed.Get("files").Exists():
		result = &FileListResult{}
	case parsed.Get("filename").Exists():
		result = &FileInfoResult{}
	case parsed.Get("project").Exists():
		result = &VersionResult{}
	default:
		return nil, fmt.Errorf("%w: unrecognized result shape", apperrors.ErrMalformedMessage)
	}

	for _, key := range requiredKeys[result.Method()] {
		if !parsed.Get(key).Exists() {
			return nil, fmt.Errorf("%w: result missing %q", apperrors.ErrMalformedMessage, key)
		}
	}

	if err := decodeStrict(raw, result); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedMessage, err)
	}

	return result, nil
}

// decodeStrict unmarshals data into v, rejecting unknown fields and
// trailing content.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return err
	}

	if dec.More() {
		return fmt.Errorf("trailing data after message")
	}

	return nil
}
