package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fxd0h/jetsonscope/internal/parser"
)

func TestEncodeRequest_SimpleOpIsBareString(t *testing.T) {
	raw, err := EncodeRequest(Request{Op: OpGetStats}, EncodingJSON)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `"GetStats"` {
		t.Errorf("encoded = %s, want bare string", raw)
	}
}

func TestEncodeRequest_SetControlIsSingleKeyMap(t *testing.T) {
	raw, err := EncodeRequest(Request{
		Op: OpSetControl, Control: "fan", Value: "75", Token: "s3cret",
	}, EncodingJSON)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	body, ok := m["SetControl"]
	if !ok {
		t.Fatalf("encoded = %s, want SetControl key", raw)
	}
	if body["control"] != "fan" || body["value"] != "75" || body["token"] != "s3cret" {
		t.Errorf("body = %v", body)
	}
}

func TestDecodeRequest_JSONRoundTrip(t *testing.T) {
	for _, op := range []string{OpGetStats, OpGetMeta, OpListControls, OpGetHealth} {
		raw, err := EncodeRequest(Request{Op: op}, EncodingJSON)
		if err != nil {
			t.Fatal(err)
		}
		got, enc := DecodeRequest(raw)
		if enc != EncodingJSON {
			t.Errorf("%s: encoding = %v, want json", op, enc)
		}
		if got.Op != op {
			t.Errorf("decoded op = %q, want %q", got.Op, op)
		}
	}
}

func TestDecodeRequest_CBORRoundTrip(t *testing.T) {
	want := Request{Op: OpSetControl, Control: "nvpmodel", Value: "MAXN", Token: "t"}
	raw, err := EncodeRequest(want, EncodingCBOR)
	if err != nil {
		t.Fatal(err)
	}
	got, enc := DecodeRequest(raw)
	if enc != EncodingCBOR {
		t.Fatalf("encoding = %v, want cbor", enc)
	}
	if got != want {
		t.Errorf("decoded = %+v, want %+v", got, want)
	}
}

func TestDecodeRequest_SniffsPerMessage(t *testing.T) {
	jsonRaw, _ := EncodeRequest(Request{Op: OpGetMeta}, EncodingJSON)
	cborRaw, _ := EncodeRequest(Request{Op: OpGetMeta}, EncodingCBOR)
	if bytes.Equal(jsonRaw, cborRaw) {
		t.Fatal("encodings are indistinguishable")
	}
	if _, enc := DecodeRequest(jsonRaw); enc != EncodingJSON {
		t.Error("json payload not sniffed as json")
	}
	if _, enc := DecodeRequest(cborRaw); enc != EncodingCBOR {
		t.Error("cbor payload not sniffed as cbor")
	}
}

func TestDecodeRequest_GarbageDegradesToGetStats(t *testing.T) {
	got, enc := DecodeRequest([]byte("\x00\xff not a request"))
	if got.Op != OpGetStats || enc != EncodingJSON {
		t.Errorf("got %+v/%v, want GetStats/json", got, enc)
	}
}

func TestDecodeRequest_MissingTokenIsEmpty(t *testing.T) {
	raw := []byte(`{"SetControl":{"control":"fan","value":"10","token":null}}`)
	got, _ := DecodeRequest(raw)
	if got.Token != "" {
		t.Errorf("token = %q, want empty for null", got.Token)
	}
}

func TestResponse_SingleKeyShape(t *testing.T) {
	snap := parser.Parse("RAM 4000/15817MB CPU [10%@1420] CPU@45.0C")
	resp := &Response{Stats: &StatsPayload{Source: "command", Data: snap}}
	raw, err := EncodeResponse(resp, EncodingJSON)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if len(m) != 1 {
		t.Fatalf("response carries %d keys, want exactly 1: %s", len(m), raw)
	}
	if _, ok := m["Stats"]; !ok {
		t.Errorf("missing Stats key: %s", raw)
	}
}

func TestResponse_RoundTripBothEncodings(t *testing.T) {
	snap := parser.Parse("RAM 4000/15817MB SWAP 10/7908MB CPU [10%@1420,off] GR3D_FREQ 45%@900 VDD_IN 8000mW/8100mW CPU@45.5C")
	orig := &Response{Stats: &StatsPayload{Source: "command", Data: snap}}

	for _, enc := range []Encoding{EncodingJSON, EncodingCBOR} {
		raw, err := EncodeResponse(orig, enc)
		if err != nil {
			t.Fatalf("%v: %v", enc, err)
		}
		got, err := DecodeResponse(raw)
		if err != nil {
			t.Fatalf("%v: %v", enc, err)
		}
		if got.Stats == nil || got.Stats.Data == nil {
			t.Fatalf("%v: stats lost in round trip", enc)
		}
		data := got.Stats.Data
		if data.RAM == nil || data.RAM.UsedBytes != snap.RAM.UsedBytes {
			t.Errorf("%v: ram mismatch", enc)
		}
		if len(data.CPUs) != 2 || data.CPUs[1].LoadPercent != nil {
			t.Errorf("%v: off core not preserved", enc)
		}
		gr3d, ok := data.Engines["GR3D"]
		if !ok || gr3d.UsagePercent == nil || *gr3d.UsagePercent != 45 {
			t.Errorf("%v: engine mismatch: %+v", enc, gr3d)
		}
	}
}

func TestErrorResponse_RoundTrip(t *testing.T) {
	orig := &Response{Error: Errorf(CodeAuthFailed, "missing or invalid auth token")}
	raw, err := EncodeResponse(orig, EncodingCBOR)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Error == nil || got.Error.Code != CodeAuthFailed {
		t.Errorf("error = %+v, want auth_failed", got.Error)
	}
}
