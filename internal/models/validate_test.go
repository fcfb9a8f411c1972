package models

import (
	"errors"
	"strings"
	"testing"
)

func validScenarioInput() CreateScenarioInput {
	return CreateScenarioInput{
		Title:       "Delivering hard feedback",
		Description: "Practice giving direct feedback to a defensive report.",
		Category:    CategoryCommunication,
		Duration:    15,
		Persona: &PersonaInput{
			PersonaName:  "Alex",
			SystemPrompt: "You are a defensive direct report.",
		},
	}
}

func fieldErrors(t *testing.T, err error) map[string]string {
	t.Helper()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field] = fe.Message
	}
	return fields
}

func TestValidateScenarioInput_Valid(t *testing.T) {
	if err := ValidateScenarioInput(validScenarioInput()); err != nil {
		t.Fatalf("expected valid input, got %v", err)
	}
}

func TestValidateScenarioInput_RequiredFields(t *testing.T) {
	in := CreateScenarioInput{Title: "  ", Description: "", Duration: 0}
	fields := fieldErrors(t, ValidateScenarioInput(in))
	for _, field := range []string{"title", "description", "category", "duration"} {
		if _, ok := fields[field]; !ok {
			t.Errorf("expected error for %s, got %v", field, fields)
		}
	}
}

func TestValidateScenarioInput_Limits(t *testing.T) {
	in := validScenarioInput()
	in.Title = strings.Repeat("t", maxTitleLen+1)
	in.Description = strings.Repeat("d", maxDescriptionLen+1)
	in.Duration = maxDurationMinutes + 1
	in.Tags = make([]string, maxTags+1)

	fields := fieldErrors(t, ValidateScenarioInput(in))
	for _, field := range []string{"title", "description", "duration", "tags"} {
		if _, ok := fields[field]; !ok {
			t.Errorf("expected limit error for %s, got %v", field, fields)
		}
	}
}

func TestValidatePersonaInput_FullModeRequiresSystemPrompt(t *testing.T) {
	fields := fieldErrors(t, ValidatePersonaInput(PersonaInput{}))
	if _, ok := fields["system_prompt"]; !ok {
		t.Errorf("default full mode requires a system prompt, got %v", fields)
	}

	// Echo mode needs no system prompt.
	if err := ValidatePersonaInput(PersonaInput{PipelineMode: PipelineModeEcho}); err != nil {
		t.Errorf("echo mode without prompt should be valid, got %v", err)
	}
}

func TestValidatePersonaInput_UnknownPipelineMode(t *testing.T) {
	fields := fieldErrors(t, ValidatePersonaInput(PersonaInput{
		PipelineMode: "turbo",
		SystemPrompt: "prompt",
	}))
	if _, ok := fields["pipeline_mode"]; !ok {
		t.Errorf("expected pipeline_mode error, got %v", fields)
	}
}

func TestValidatePersonaInput_LayerLimits(t *testing.T) {
	in := PersonaInput{
		SystemPrompt: strings.Repeat("p", maxSystemPromptLen+1),
		Context:      strings.Repeat("c", maxContextLen+1),
		Layers: &PersonaLayersConfig{
			DocumentIDs:  make([]string, maxDocumentIDs+1),
			DocumentTags: make([]string, maxDocumentTags+1),
			LLM:          &LLMLayer{Tools: make([]PersonaLLMTool, maxLLMTools+1)},
		},
	}
	fields := fieldErrors(t, ValidatePersonaInput(in))
	for _, field := range []string{"system_prompt", "context", "document_ids", "document_tags", "llm.tools"} {
		if _, ok := fields[field]; !ok {
			t.Errorf("expected limit error for %s, got %v", field, fields)
		}
	}
}

func TestPersonaConfigTerminal(t *testing.T) {
	cases := []struct {
		status   string
		terminal bool
	}{
		{PersonaStatusQueued, false},
		{PersonaStatusProcessing, false},
		{PersonaStatusReady, true},
		{PersonaStatusError, true},
		{"", false},
	}
	for _, tc := range cases {
		p := PersonaConfig{Status: tc.status}
		if p.IsTerminal() != tc.terminal {
			t.Errorf("IsTerminal(%q) = %v, want %v", tc.status, p.IsTerminal(), tc.terminal)
		}
	}
}

func TestPersonaConfigInputStripsSyncState(t *testing.T) {
	p := PersonaConfig{
		PersonaName:    "Alex",
		SystemPrompt:   "prompt",
		PersonaID:      "p1",
		Status:         PersonaStatusError,
		SyncError:      "boom",
		IsSyncedRemote: true,
	}
	in := p.Input()
	if in.PersonaName != "Alex" || in.SystemPrompt != "prompt" {
		t.Errorf("configuration fields should carry over: %+v", in)
	}
}
