package stream

import (
	"encoding/json"

	"github.com/valyala/fastjson"
)

// FrameKind classifies an inbound websocket message.
type FrameKind int

const (
	// KindResponse is a correlated reply to a command ({"id":...}).
	KindResponse FrameKind = iota

	// KindStreamData is a combined-stream frame ({"stream":...,"data":...}).
	KindStreamData

	// KindEvent is a raw event delivered on a single-stream socket, keyed by
	// its "e" field (user-data events arrive this way).
	KindEvent
)

// Frame is one classified inbound message. Channel carries the stream name
// for KindStreamData and the event type for KindEvent; Payload is the event
// body the caller decodes into a domain type.
type Frame struct {
	Kind    FrameKind
	Channel string
	Payload []byte

	response Response
}

// parseFrame classifies a raw message. Responses keep their decoded shape for
// correlation; data frames keep the raw payload for the handler.
func parseFrame(message []byte) (*Frame, error) {
	v, err := fastjson.ParseBytes(message)
	if err != nil {
		return nil, err
	}

	if v.Exists("id") && !v.Exists("e") {
		var resp Response
		if err := json.Unmarshal(message, &resp); err != nil {
			return nil, err
		}
		return &Frame{Kind: KindResponse, response: resp}, nil
	}

	if v.Exists("stream") && v.Exists("data") {
		data := v.Get("data")
		return &Frame{
			Kind:    KindStreamData,
			Channel: string(v.GetStringBytes("stream")),
			Payload: data.MarshalTo(nil),
		}, nil
	}

	return &Frame{
		Kind:    KindEvent,
		Channel: string(v.GetStringBytes("e")),
		Payload: append([]byte(nil), message...),
	}, nil
}
