package rpc

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/alexjbarnes/audiosync/internal/errors"
)

// Version is the only protocol version the device speaks.
const Version = "2.0"

// Methods understood by the device.
const (
	MethodGetVersion  = "get-version"
	MethodGetFileList = "get-file-list"
	MethodGetFileInfo = "get-file-info"
)

// FileListParams selects whether the listing restarts from the first page.
type FileListParams struct {
	Start bool `json:"start"`
}

// FileInfoParams names the file whose metadata is requested.
type FileInfoParams struct {
	Filename string `json:"filename"`
}

// Result is one of *VersionResult, *FileListResult or *FileInfoResult.
type Result interface {
	// Method returns the request method that produces this result.
	Method() string
}

// VersionResult is the reply to get-version.
type VersionResult struct {
	Project string `json:"project"`
	Version string `json:"version"`
	ESPIDF  string `json:"esp-idf"`
}

// FileListResult is one page of the device's flat file listing.
type FileListResult struct {
	First bool     `json:"first"`
	Last  bool     `json:"last"`
	Files []string `json:"files"`
}

// FileInfoResult carries the tags of a single track.
type FileInfoResult struct {
	Filename string  `json:"filename"`
	Genre    string  `json:"genre"`
	Artist   string  `json:"artist"`
	Album    string  `json:"album"`
	Title    string  `json:"title"`
	Date     *string `json:"date,omitempty"`
	Track    uint16  `json:"track"`
	Duration uint16  `json:"duration"`
}

func (*VersionResult) Method() string  { return MethodGetVersion }
func (*FileListResult) Method() string { return MethodGetFileList }
func (*FileInfoResult) Method() string { return MethodGetFileInfo }

// DeviceError is an explicit error response, tagged with the method of
// the request that failed.
type DeviceError struct {
	Method  string
	Code    int
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
}

func (e *DeviceError) Unwrap() error {
	return apperrors.ErrDeviceError
}

// Reply is a correlated inbound message. Exactly one of Result and Err
// is set.
type Reply struct {
	ID     uint32
	Method string
	Result Result
	Err    *DeviceError
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint32 `json:"id"`
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
	ID      *uint32         `json:"id"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
