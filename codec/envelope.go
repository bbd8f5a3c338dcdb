package codec

import (
	"fmt"

	"github.com/zero-day-ai/jobs"
)

// Request is the envelope message-based transports send for one call.
// ID and ReplyTo are only used by transports without native request/reply.
type Request struct {
	ID      string `json:"id,omitempty" msgpack:"id,omitempty"`
	Method  string `json:"method" msgpack:"method"`
	ReplyTo string `json:"reply_to,omitempty" msgpack:"reply_to,omitempty"`
	Params  any    `json:"params" msgpack:"params"`
}

// Response is the envelope returned for one call. Exactly one of Result and
// Error is meaningful.
type Response struct {
	ID     string            `json:"id,omitempty" msgpack:"id,omitempty"`
	Result any               `json:"result,omitempty" msgpack:"result,omitempty"`
	Error  *jobs.RemoteError `json:"error,omitempty" msgpack:"error,omitempty"`
}

// ErrorResponse builds the response for a failed call, keeping the code of
// err when it carries one.
func ErrorResponse(id string, err error) *Response {
	code := jobs.CodeOf(err)
	if code == jobs.CodeUnknown {
		code = jobs.CodeInternal
	}
	return &Response{ID: id, Error: &jobs.RemoteError{Code: code, Message: err.Error()}}
}

// DecodeResponse decodes a response envelope and fills reply from its result.
// A response carrying an error returns it as a *jobs.RemoteError.
func DecodeResponse(c Codec, data []byte, reply any) error {
	var resp Response
	if err := c.Decode(data, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	return Convert(c, resp.Result, reply)
}

// Convert re-decodes an untyped value, as produced by decoding into any,
// into the typed value pointed to by out.
func Convert(c Codec, in any, out any) error {
	data, err := c.Encode(in)
	if err != nil {
		return fmt.Errorf("convert %T: %w", in, err)
	}
	if err := c.Decode(data, out); err != nil {
		return fmt.Errorf("convert into %T: %w", out, err)
	}
	return nil
}
