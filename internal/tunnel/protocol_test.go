package tunnel

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseRejectsMissingType(t *testing.T) {
	if _, err := Parse([]byte(`{"tunnel_id":"t1"}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseUnknownTypeIsNotAnError(t *testing.T) {
	f, err := Parse([]byte(`{"type":"future_feature","id":"x"}`))
	if err != nil {
		t.Fatalf("unknown type should parse cleanly: %v", err)
	}
	if f.Type != "future_feature" {
		t.Errorf("Type = %q, want future_feature", f.Type)
	}
}

func TestDataFrameRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x16, 0xff, 'S', 'S', 'H'}
	f := DataFrame("web-1", OriginClient, payload)

	raw, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Type != TypeTunnelData || got.TunnelID != "web-1" || got.Origin != OriginClient {
		t.Errorf("frame fields mangled: %+v", got)
	}

	decoded, err := DecodePayload(got.Data)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("payload = %x, want %x", decoded, payload)
	}
}

func TestEncodePayloadIsLowercaseHex(t *testing.T) {
	s := EncodePayload([]byte{0xAB, 0xCD})
	if s != "abcd" {
		t.Errorf("EncodePayload = %q, want abcd", s)
	}
}

func TestDecodePayloadRejectsBadHex(t *testing.T) {
	if _, err := DecodePayload("zz"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestMarshalOmitsEmptyFields(t *testing.T) {
	raw, err := (&Frame{Type: TypeRegistrationOK}).Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(raw) != `{"type":"registration_ok"}` {
		t.Errorf("Marshal = %s, want only the type field", raw)
	}
	if strings.Contains(string(raw), "tunnel_id") {
		t.Errorf("empty fields must be omitted: %s", raw)
	}
}

func TestRegisterAgentFrame(t *testing.T) {
	raw := []byte(`{"type":"register_agent","id":"CID-7","name":"host7","services":{"ssh":22,"vnc":5900},"mode":"agent"}`)
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.ID != "CID-7" || f.Name != "host7" {
		t.Errorf("identity fields = %q/%q", f.ID, f.Name)
	}
	if f.Services["ssh"] != 22 || f.Services["vnc"] != 5900 {
		t.Errorf("services = %v", f.Services)
	}
}
