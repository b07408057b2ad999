package validation

import "testing"

func TestValidateDispatchRequest_ValidPasses(t *testing.T) {
	v := New()
	req := &DispatchRequest{AgentKind: "claude", Task: "implement the widget feature end to end"}
	result := v.ValidateDispatchRequest(req)
	if !result.Valid {
		t.Fatalf("expected valid request, got errors: %+v", result.Errors)
	}
}

func TestValidateDispatchRequest_UnsupportedAgentKindFails(t *testing.T) {
	v := New()
	req := &DispatchRequest{AgentKind: "chatgpt", Task: "implement the widget feature end to end"}
	result := v.ValidateDispatchRequest(req)
	if result.Valid {
		t.Fatal("expected validation failure for unsupported agent kind")
	}
}

func TestValidateDispatchRequest_ShortTaskFails(t *testing.T) {
	v := New()
	req := &DispatchRequest{AgentKind: "claude", Task: "short"}
	result := v.ValidateDispatchRequest(req)
	if result.Valid {
		t.Fatal("expected validation failure for short task")
	}
}

func TestValidateDispatchRequest_BadRepoURLFails(t *testing.T) {
	v := New()
	req := &DispatchRequest{AgentKind: "claude", Task: "implement the widget feature end to end", RepoURL: "not a url"}
	result := v.ValidateDispatchRequest(req)
	if result.Valid {
		t.Fatal("expected validation failure for malformed repo url")
	}
}

func TestValidateDispatchRequest_BadWorkspaceInitModeFails(t *testing.T) {
	v := New()
	req := &DispatchRequest{AgentKind: "claude", Task: "implement the widget feature end to end", WorkspaceInitMode: "everything"}
	result := v.ValidateDispatchRequest(req)
	if result.Valid {
		t.Fatal("expected validation failure for unknown workspace_init_mode")
	}
}

func TestValidateDispatchRequest_TimeoutOutOfBoundsFails(t *testing.T) {
	v := New()
	req := &DispatchRequest{AgentKind: "claude", Task: "implement the widget feature end to end", TimeoutSeconds: 10}
	result := v.ValidateDispatchRequest(req)
	if result.Valid {
		t.Fatal("expected validation failure for timeout below minimum")
	}
}
