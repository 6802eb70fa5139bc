package transport

import "testing"

func TestInboundDataUnmarshalTaskRunCompleted(t *testing.T) {
	raw := []byte(`{
		"type": "TASK_RUN_COMPLETED",
		"completion": {"ok": true, "output": "42", "outputType": "application/json"},
		"execution": {"attempt": {"id": "attempt_1"}}
	}`)

	var d InboundData
	if err := d.UnmarshalJSON(raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Type != DataTypeTaskRunCompleted {
		t.Fatalf("expected type %s, got %s", DataTypeTaskRunCompleted, d.Type)
	}
	if d.Heartbeat != nil {
		t.Fatal("expected Heartbeat to stay nil")
	}
	if d.Completed == nil {
		t.Fatal("expected Completed to be populated")
	}
	if !d.Completed.Completion.OK || d.Completed.Completion.Output != "42" {
		t.Fatalf("unexpected completion: %+v", d.Completed.Completion)
	}
	if d.Completed.Execution.Attempt.ID != "attempt_1" {
		t.Fatalf("unexpected attempt id: %q", d.Completed.Execution.Attempt.ID)
	}
}

func TestInboundDataUnmarshalTaskHeartbeat(t *testing.T) {
	raw := []byte(`{"type": "TASK_HEARTBEAT", "id": "attempt_2"}`)

	var d InboundData
	if err := d.UnmarshalJSON(raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Completed != nil {
		t.Fatal("expected Completed to stay nil")
	}
	if d.Heartbeat == nil || d.Heartbeat.ID != "attempt_2" {
		t.Fatalf("unexpected heartbeat: %+v", d.Heartbeat)
	}
}

func TestInboundDataUnmarshalUnknownType(t *testing.T) {
	var d InboundData
	if err := d.UnmarshalJSON([]byte(`{"type": "SOMETHING_ELSE"}`)); err == nil {
		t.Fatal("expected an error for an unrecognized discriminator")
	}
}
