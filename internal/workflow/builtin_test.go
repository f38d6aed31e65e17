package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

type recordedPost struct {
	url     string
	payload any
}

type recordingWebhooks struct {
	posts []recordedPost
}

func (w *recordingWebhooks) Post(_ context.Context, url string, payload any) error {
	w.posts = append(w.posts, recordedPost{url: url, payload: payload})
	return nil
}

func TestRegisterBuiltins_optionalCollaborators(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg, BuiltinDeps{})
	if _, ok := reg.Lookup(FuncNotify); ok {
		t.Error("notify registered without a notifier")
	}
	if _, ok := reg.Lookup(FuncWebhook); ok {
		t.Error("webhook registered without a caller")
	}
	if _, ok := reg.Lookup(FuncAssignUser); !ok {
		t.Error("assign_user not registered")
	}
}

func TestRegistry_Register_duplicatePanics(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, Call) (map[string]any, error) { return nil, nil }
	reg.Register("x", Contract{}, noop)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	reg.Register("x", Contract{}, noop)
}

func TestAssignTeam_coercesNumbers(t *testing.T) {
	for _, v := range []any{int64(5), 5, float64(5), json.Number("5"), "5"} {
		actx := testActionContext()
		out, err := assignTeam(context.Background(), Call{Action: actx, Inputs: map[string]any{"team_id": v}})
		if err != nil {
			t.Fatalf("assignTeam(%#v): %v", v, err)
		}
		if *actx.Case.AssignedToTeamID != 5 || out["assigned_team_id"] != int64(5) {
			t.Errorf("assignTeam(%#v) team = %d", v, *actx.Case.AssignedToTeamID)
		}
	}
	if _, err := assignTeam(context.Background(), Call{Action: testActionContext(), Inputs: map[string]any{"team_id": 2.5}}); err == nil {
		t.Error("expected error for fractional team id")
	}
}

func TestSetPriority_rejectsUnknown(t *testing.T) {
	_, err := setPriority(context.Background(), Call{Action: testActionContext(), Inputs: map[string]any{"priority": "Urgent"}})
	if err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestSaveData_rejectsFiles(t *testing.T) {
	_, err := saveData(context.Background(), Call{
		Action: testActionContext(),
		Inputs: map[string]any{"evidence": model.Attachment{FileName: "a.pdf"}},
	})
	if err == nil {
		t.Fatal("expected error when saving a file as data")
	}
}

func TestReleaseLease_clearsLease(t *testing.T) {
	actx := testActionContext()
	user := "alice"
	actx.Case.LeaseUser = &user
	actx.Case.LeaseExpires = &actx.System.Now
	if _, err := releaseLease(context.Background(), Call{Action: actx}); err != nil {
		t.Fatal(err)
	}
	if actx.Case.LeaseUser != nil || actx.Case.LeaseExpires != nil {
		t.Errorf("lease not cleared: %+v", actx.Case)
	}
}

func TestAttachDocument_insertsInTx(t *testing.T) {
	st := store.NewMemoryStore()
	actx := testActionContext()
	files := []model.Attachment{
		{FieldName: "evidence", FileName: "a.pdf", ContentType: "application/pdf", Size: 3, Content: []byte("pdf")},
		{FieldName: "evidence", FileName: "b.png", ContentType: "image/png", Size: 3, Content: []byte("png")},
	}

	var out map[string]any
	err := st.InTx(context.Background(), "test.attach", func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = attachDocument(ctx, Call{Tx: tx, Action: actx, Inputs: map[string]any{"file": files}, Now: actx.System.Now})
		return err
	})
	if err != nil {
		t.Fatalf("attachDocument: %v", err)
	}
	docs := st.Documents()
	if len(docs) != 2 {
		t.Fatalf("documents = %d, want 2", len(docs))
	}
	if out["document_id"] != docs[0].ID {
		t.Errorf("document_id = %v, want %s", out["document_id"], docs[0].ID)
	}
	if docs[1].UploadedBy != "alice" || docs[1].EntityID != 42 {
		t.Errorf("document = %+v", docs[1])
	}
}

func TestWebhookHandler_payload(t *testing.T) {
	hooks := &recordingWebhooks{}
	h := webhookHandler(hooks)
	_, err := h(context.Background(), Call{
		Action:   testActionContext(),
		Inputs:   map[string]any{"score": 87},
		Settings: map[string]any{"url": "https://hooks.example.com/alerts"},
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(hooks.posts) != 1 || hooks.posts[0].url != "https://hooks.example.com/alerts" {
		t.Fatalf("posts = %+v", hooks.posts)
	}
	payload := hooks.posts[0].payload.(map[string]any)
	if payload["from_state_code"] != "NEW" || payload["to_state_code"] != "IN_REVIEW" {
		t.Errorf("payload states = %v -> %v", payload["from_state_code"], payload["to_state_code"])
	}
	if payload["data"].(map[string]any)["score"] != 87 {
		t.Errorf("payload data = %v", payload["data"])
	}
}
