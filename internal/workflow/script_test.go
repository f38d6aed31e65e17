package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRunScript_outputs(t *testing.T) {
	out, err := runScript(context.Background(),
		`output.band = input.score > 80 ? "High" : "Low"; output.doubled = input.score * 2;`,
		map[string]any{"score": 87},
		time.Second,
	)
	if err != nil {
		t.Fatalf("runScript: %v", err)
	}
	if out["band"] != "High" {
		t.Errorf("band = %v, want High", out["band"])
	}
	if fmt.Sprint(out["doubled"]) != "174" {
		t.Errorf("doubled = %#v, want 174", out["doubled"])
	}
}

func TestRunScript_interruptedAfterTimeout(t *testing.T) {
	_, err := runScript(context.Background(), `while (true) {}`, nil, 20*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Fatalf("error = %v, want interruption", err)
	}
}

func TestRunScript_syntaxError(t *testing.T) {
	if _, err := runScript(context.Background(), `output.x = ;`, nil, time.Second); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestScriptHandler_requiresSource(t *testing.T) {
	h := scriptHandler(time.Second)
	_, err := h(context.Background(), Call{Action: testActionContext(), Settings: map[string]any{}})
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}
