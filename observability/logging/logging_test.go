package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetupEmitsRenamedJSONKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithWriter(&buf, "netd", "test")

	logger.Info("peer session opened", slog.String("reason", "handshake"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["message"] != "peer session opened" {
		t.Fatalf("message = %v", line["message"])
	}
	if line["severity"] != "INFO" {
		t.Fatalf("severity = %v", line["severity"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatal("timestamp key missing")
	}
	if line["service"] != "netd" {
		t.Fatalf("service = %v", line["service"])
	}
	if line["env"] != "test" {
		t.Fatalf("env = %v", line["env"])
	}
	if line["reason"] != "handshake" {
		t.Fatalf("reason = %v", line["reason"])
	}
}

func TestMaskFieldRedactsPeerMaterial(t *testing.T) {
	attr := MaskField("peer_id", "0xdeadbeef")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("peer_id leaked: %s", attr.Value.String())
	}
	attr = MaskField("peer_address", "10.0.0.1:8115")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("peer_address leaked: %s", attr.Value.String())
	}
	// Allowlisted structural keys pass through.
	attr = MaskField("reason", "peers_full")
	if attr.Value.String() != "peers_full" {
		t.Fatalf("allowlisted key masked: %s", attr.Value.String())
	}
	// Empty values stay empty rather than turning into placeholders.
	attr = MaskField("peer_id", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value rewritten: %s", attr.Value.String())
	}
}

func TestRedactionAllowlistIsClosed(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		if !IsAllowlisted(key) {
			t.Fatalf("allowlist returned non-allowlisted key %q", key)
		}
	}
	for _, key := range []string{"peer_id", "peer_address", "endpoint", "addr"} {
		if IsAllowlisted(key) {
			t.Fatalf("sensitive key %q is allowlisted", key)
		}
	}
}
