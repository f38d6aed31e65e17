package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/caseflow/model"
)

// Built-in function codes.
const (
	FuncAssignUser     = "assign_user"
	FuncAssignTeam     = "assign_team"
	FuncSetPriority    = "set_priority"
	FuncSaveData       = "save_data"
	FuncReleaseLease   = "release_lease"
	FuncAttachDocument = "attach_document"
	FuncScript         = "script"
	FuncNotify         = "notify"
	FuncWebhook        = "webhook"
)

// Notifier delivers notifications produced by the notify function.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// WebhookCaller posts payloads for the webhook function.
type WebhookCaller interface {
	Post(ctx context.Context, url string, payload any) error
}

// BuiltinDeps are the collaborators of the built-in functions. Nil
// collaborators leave the corresponding function unregistered.
type BuiltinDeps struct {
	Notifier      Notifier
	Webhooks      WebhookCaller
	ScriptTimeout time.Duration
}

// RegisterBuiltins registers the built-in pipeline functions.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	none := []string{}

	r.Register(FuncAssignUser, Contract{Inputs: []string{"user"}, Outputs: []string{"assigned_user"}}, assignUser)
	r.Register(FuncAssignTeam, Contract{Inputs: []string{"team_id"}, Outputs: []string{"assigned_team_id"}}, assignTeam)
	r.Register(FuncSetPriority, Contract{Inputs: []string{"priority"}, Outputs: none}, setPriority)
	r.Register(FuncSaveData, Contract{AnyInputs: true, Outputs: none}, saveData)
	r.Register(FuncReleaseLease, Contract{Outputs: none}, releaseLease)
	r.Register(FuncAttachDocument, Contract{
		Inputs:  []string{"file"},
		Outputs: []string{"document_id", "document_ids"},
	}, attachDocument)

	timeout := deps.ScriptTimeout
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	r.Register(FuncScript, Contract{AnyInputs: true, Settings: []string{"source"}}, scriptHandler(timeout))

	if deps.Notifier != nil {
		r.Register(FuncNotify, Contract{
			Inputs:         []string{"recipient"},
			OptionalInputs: []string{"message", "subject"},
			Outputs:        none,
			Deferred:       true,
		}, notifyHandler(deps.Notifier))
	}
	if deps.Webhooks != nil {
		r.Register(FuncWebhook, Contract{
			AnyInputs: true,
			Settings:  []string{"url"},
			Outputs:   none,
			Deferred:  true,
		}, webhookHandler(deps.Webhooks))
	}
}

func assignUser(_ context.Context, call Call) (map[string]any, error) {
	user, err := stringInput(call.Inputs, "user")
	if err != nil {
		return nil, err
	}
	call.Action.Case.AssignedToUser = &user
	return map[string]any{"assigned_user": user}, nil
}

func assignTeam(_ context.Context, call Call) (map[string]any, error) {
	team, err := toInt64(call.Inputs["team_id"])
	if err != nil {
		return nil, fmt.Errorf("team_id: %w", err)
	}
	call.Action.Case.AssignedToTeamID = &team
	return map[string]any{"assigned_team_id": team}, nil
}

func setPriority(_ context.Context, call Call) (map[string]any, error) {
	raw, err := stringInput(call.Inputs, "priority")
	if err != nil {
		return nil, err
	}
	p, err := model.ParsePriority(raw)
	if err != nil {
		return nil, err
	}
	call.Action.Case.Priority = p
	return nil, nil
}

func saveData(_ context.Context, call Call) (map[string]any, error) {
	if len(call.Inputs) == 0 {
		return nil, nil
	}
	if call.Action.Case.Data == nil {
		call.Action.Case.Data = make(map[string]any, len(call.Inputs))
	}
	for k, v := range call.Inputs {
		if _, isFile := v.(model.Attachment); isFile {
			return nil, fmt.Errorf("input %q is a file; use %s", k, FuncAttachDocument)
		}
		call.Action.Case.Data[k] = v
	}
	return nil, nil
}

func releaseLease(_ context.Context, call Call) (map[string]any, error) {
	call.Action.Case.LeaseUser = nil
	call.Action.Case.LeaseExpires = nil
	return nil, nil
}

func attachDocument(ctx context.Context, call Call) (map[string]any, error) {
	files, err := attachments(call.Inputs["file"])
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		doc := model.Document{
			ID:          uuid.NewString(),
			EntityID:    call.Action.System.EntityID,
			EntityCode:  call.Action.System.EntityCode,
			FileName:    f.FileName,
			ContentType: f.ContentType,
			Size:        f.Size,
			Content:     f.Content,
			UploadedBy:  call.Action.System.UserName,
			CreatedAt:   call.Now,
		}
		if err := call.Tx.InsertDocument(ctx, doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return map[string]any{"document_id": ids[0], "document_ids": ids}, nil
}

func notifyHandler(n Notifier) Handler {
	return func(ctx context.Context, call Call) (map[string]any, error) {
		recipient, err := stringInput(call.Inputs, "recipient")
		if err != nil {
			return nil, err
		}
		message, _ := call.Inputs["message"].(string)
		if message == "" {
			message, _ = call.Settings["message"].(string)
		}
		subject, _ := call.Inputs["subject"].(string)
		if subject == "" {
			subject, _ = call.Settings["subject"].(string)
		}
		channel, _ := call.Settings["channel"].(string)

		sys := call.Action.System
		return nil, n.Notify(ctx, model.Notification{
			Channel:       channel,
			Recipient:     recipient,
			Subject:       subject,
			Message:       message,
			EntityCode:    sys.EntityCode,
			EntityID:      sys.EntityID,
			ActionCode:    sys.ActionCode,
			Actor:         sys.UserName,
			CorrelationID: sys.CorrelationID,
		})
	}
}

func webhookHandler(w WebhookCaller) Handler {
	return func(ctx context.Context, call Call) (map[string]any, error) {
		url, _ := call.Settings["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("setting %q must be a non-empty string", "url")
		}
		sys := call.Action.System
		payload := map[string]any{
			"entity_code":     sys.EntityCode,
			"entity_id":       sys.EntityID,
			"org_unit_code":   sys.OrgUnitCode,
			"action_code":     sys.ActionCode,
			"actor":           sys.UserName,
			"correlation_id":  sys.CorrelationID,
			"from_state_code": sys.FromStateCode,
			"to_state_code":   sys.ToStateCode,
			"data":            maps.Clone(call.Inputs),
		}
		return nil, w.Post(ctx, url, payload)
	}
}

// --- input coercion ---

func stringInput(inputs map[string]any, name string) (string, error) {
	v, ok := inputs[name]
	if !ok {
		return "", fmt.Errorf("input %q is required", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("input %q must be a non-empty string, got %T", name, v)
	}
	return s, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func attachments(v any) ([]model.Attachment, error) {
	switch f := v.(type) {
	case model.Attachment:
		return []model.Attachment{f}, nil
	case *model.Attachment:
		if f == nil {
			break
		}
		return []model.Attachment{*f}, nil
	case []model.Attachment:
		if len(f) > 0 {
			return f, nil
		}
	}
	return nil, fmt.Errorf("input %q must be an uploaded file, got %T", "file", v)
}
