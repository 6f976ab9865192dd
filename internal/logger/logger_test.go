package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestContextFieldsReachOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "proofline-test"})

	ctx := l.WithContext(context.Background())
	ctx = SetJobID(ctx, "job-42")
	ctx = SetComponent(ctx, "queue")

	FromContext(ctx).WithBackend("s3", "proofs/a/b_proof.jpg").Info("uploaded")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}

	want := map[string]string{
		"service":      "proofline-test",
		"message":      "uploaded",
		"level":        "info",
		FieldJobID:     "job-42",
		FieldComponent: "queue",
		FieldBackend:   "s3",
		FieldObjectKey: "proofs/a/b_proof.jpg",
	}
	for key, value := range want {
		if got, _ := line[key].(string); got != value {
			t.Errorf("field %s: got %q, want %q", key, got, value)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Errorf("timestamp field missing")
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != GetDefault() {
		t.Errorf("expected default logger for bare context")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("request id on bare context: got %q, want empty", got)
	}
}

func TestEntryMergesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: "json", Output: &buf, ServiceName: "t"})
	ctx := l.WithContext(context.Background())

	With(Fields{FieldStatus: "ok"}).WithCount(5).WithSize(2048).Info(ctx, "batch done")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if line[FieldCount] != float64(5) {
		t.Errorf("count: got %v, want 5", line[FieldCount])
	}
	if line[FieldSize] != float64(2048) {
		t.Errorf("size: got %v, want 2048", line[FieldSize])
	}
	if line[FieldStatus] != "ok" {
		t.Errorf("status: got %v, want ok", line[FieldStatus])
	}
}
