package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestResponseDeserialization(t *testing.T) {
	line := `{"success":true,"message":"2 + 3 を計算して","result":"5","task_type":"task",` +
		`"execution_plan":[{"step_id":1,"name":"add","status":"completed","dependencies":[]},` +
		`{"step_id":"s2","description":"report","status":"pending","dependencies":[1]}],` +
		`"session_state":{"turns":1},"unexpected":"ignored"}`

	var got Response
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	result := "5"
	want := Response{
		Success:  true,
		Message:  "2 + 3 を計算して",
		Result:   &result,
		TaskType: TaskTypeTask,
		ExecutionPlan: []PlanStep{
			{StepID: "1", Name: "add", Status: StepStatusCompleted, Dependencies: []StepID{}},
			{StepID: "s2", Description: "report", Status: StepStatusPending, Dependencies: []StepID{"1"}},
		},
		SessionState: map[string]any{"turns": float64(1)},
	}

	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Response{}, "Raw")); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
	if got.ResultText() != "5" {
		t.Fatalf("unexpected result text %q", got.ResultText())
	}
}

func TestErrorResponseDeserialization(t *testing.T) {
	var got Response
	if err := json.Unmarshal([]byte(`{"success":false,"error":"message is empty","error_type":"empty_message"}`), &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	want := Response{Error: "message is empty", ErrorType: ErrorTypeEmptyMessage}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
	if got.ResultText() != "" {
		t.Fatalf("expected empty result text, got %q", got.ResultText())
	}
}

func TestStepIDRoundTrip(t *testing.T) {
	cases := []struct {
		in   string
		want StepID
		out  string
	}{
		{in: `3`, want: "3", out: `3`},
		{in: `"step-a"`, want: "step-a", out: `"step-a"`},
		{in: `null`, want: "", out: `null`},
	}

	for _, tc := range cases {
		var id StepID
		if err := json.Unmarshal([]byte(tc.in), &id); err != nil {
			t.Fatalf("unmarshal %s failed: %v", tc.in, err)
		}
		if id != tc.want {
			t.Fatalf("unmarshal %s: got %q, want %q", tc.in, id, tc.want)
		}
		data, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("marshal %q failed: %v", id, err)
		}
		if string(data) != tc.out {
			t.Fatalf("marshal %q: got %s, want %s", id, data, tc.out)
		}
	}
}

func TestStepIDRejectsObjects(t *testing.T) {
	var id StepID
	if err := json.Unmarshal([]byte(`{"id":1}`), &id); err == nil {
		t.Fatal("expected error for object step id")
	}
}

func TestMarshalVerbatimPrefersRaw(t *testing.T) {
	raw := `{"success":true,"result":"ok","extra":{"kept":true}}`
	resp := Response{Success: true, Raw: json.RawMessage(raw)}

	data, err := resp.MarshalVerbatim()
	if err != nil {
		t.Fatalf("MarshalVerbatim failed: %v", err)
	}
	if string(data) != raw {
		t.Fatalf("expected raw line, got %s", data)
	}

	resp.Raw = nil
	data, err = resp.MarshalVerbatim()
	if err != nil {
		t.Fatalf("MarshalVerbatim failed: %v", err)
	}
	if string(data) != `{"success":true}` {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestBackendErrorKinds(t *testing.T) {
	data, err := json.Marshal(BackendError{Kind: ErrorKindDelivery, Error: "broken pipe"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["kind"] != "delivery_failure" {
		t.Fatalf("unexpected kind %v", decoded["kind"])
	}
	if _, ok := decoded["details"]; ok {
		t.Fatal("empty details should be omitted")
	}
}
