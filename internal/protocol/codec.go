package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Encoding identifies which codec a message arrived in. Replies are
// produced in the same encoding the request used.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingCBOR
)

func (e Encoding) String() string {
	if e == EncodingCBOR {
		return "cbor"
	}
	return "json"
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeUnix
	cborEnc, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor enc mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DefaultMapType: nil, // struct-directed decoding only
	}
	cborDec, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor dec mode: %v", err))
	}
}

// requestWire is the map form of a request. Only SetControl uses it;
// every other operation is a bare string on the wire.
type requestWire struct {
	SetControl *setControlBody `json:"SetControl,omitempty"`
}

// EncodeRequest serializes a request in the given encoding.
func EncodeRequest(r Request, enc Encoding) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var v any
	if r.Op == OpSetControl {
		body := setControlBody{Control: r.Control, Value: r.Value}
		if r.Token != "" {
			tok := r.Token
			body.Token = &tok
		}
		v = requestWire{SetControl: &body}
	} else {
		v = r.Op
	}
	if enc == EncodingCBOR {
		return cborEnc.Marshal(v)
	}
	return json.Marshal(v)
}

// DecodeRequest sniffs the encoding of raw and decodes it. JSON is
// tried first, then CBOR. A payload that parses in neither encoding
// degrades to GetStats over JSON so the caller still gets an answer
// it can render.
func DecodeRequest(raw []byte) (Request, Encoding) {
	if r, ok := decodeRequestJSON(raw); ok {
		return r, EncodingJSON
	}
	if r, ok := decodeRequestCBOR(raw); ok {
		return r, EncodingCBOR
	}
	return Request{Op: OpGetStats}, EncodingJSON
}

func decodeRequestJSON(raw []byte) (Request, bool) {
	var op string
	if err := json.Unmarshal(raw, &op); err == nil {
		r := Request{Op: op}
		if r.Validate() == nil && op != OpSetControl {
			return r, true
		}
		return Request{}, false
	}
	var w requestWire
	if err := json.Unmarshal(raw, &w); err == nil && w.SetControl != nil {
		return fromBody(w.SetControl), true
	}
	return Request{}, false
}

func decodeRequestCBOR(raw []byte) (Request, bool) {
	var op string
	if err := cborDec.Unmarshal(raw, &op); err == nil {
		r := Request{Op: op}
		if r.Validate() == nil && op != OpSetControl {
			return r, true
		}
		return Request{}, false
	}
	var w requestWire
	if err := cborDec.Unmarshal(raw, &w); err == nil && w.SetControl != nil {
		return fromBody(w.SetControl), true
	}
	return Request{}, false
}

func fromBody(b *setControlBody) Request {
	r := Request{Op: OpSetControl, Control: b.Control, Value: b.Value}
	if b.Token != nil {
		r.Token = *b.Token
	}
	return r
}

// EncodeResponse serializes a response in the given encoding.
func EncodeResponse(resp *Response, enc Encoding) ([]byte, error) {
	if enc == EncodingCBOR {
		return cborEnc.Marshal(resp)
	}
	return json.Marshal(resp)
}

// DecodeResponse decodes a response, sniffing JSON then CBOR.
func DecodeResponse(raw []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err == nil {
		return &resp, nil
	}
	if err := cborDec.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
