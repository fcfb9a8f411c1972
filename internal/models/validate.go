package models

import (
	"fmt"
	"strings"
)

// Boundary limits enforced before persona configuration reaches the
// provider client.
const (
	maxTitleLen        = 100
	maxDescriptionLen  = 500
	maxDurationMinutes = 120
	maxTags            = 10
	maxSystemPromptLen = 5000
	maxContextLen      = 10000
	maxDocumentIDs     = 50
	maxDocumentTags    = 20
	maxLLMTools        = 20
)

// FieldError tags a validation failure with the offending field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all failures for one input.
type ValidationErrors []FieldError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, fe := range e {
		msgs = append(msgs, fe.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateScenarioInput checks a scenario creation payload, including any
// embedded persona configuration.
func ValidateScenarioInput(in CreateScenarioInput) error {
	var errs ValidationErrors

	if strings.TrimSpace(in.Title) == "" {
		errs = append(errs, FieldError{"title", "title is required"})
	} else if len(in.Title) > maxTitleLen {
		errs = append(errs, FieldError{"title", fmt.Sprintf("title must be %d characters or less", maxTitleLen)})
	}

	if strings.TrimSpace(in.Description) == "" {
		errs = append(errs, FieldError{"description", "description is required"})
	} else if len(in.Description) > maxDescriptionLen {
		errs = append(errs, FieldError{"description", fmt.Sprintf("description must be %d characters or less", maxDescriptionLen)})
	}

	if in.Category == "" {
		errs = append(errs, FieldError{"category", "category is required"})
	}

	if in.Duration <= 0 {
		errs = append(errs, FieldError{"duration", "duration must be greater than 0"})
	} else if in.Duration > maxDurationMinutes {
		errs = append(errs, FieldError{"duration", fmt.Sprintf("duration must be %d minutes or less", maxDurationMinutes)})
	}

	if len(in.Tags) > maxTags {
		errs = append(errs, FieldError{"tags", fmt.Sprintf("maximum %d tags allowed", maxTags)})
	}

	if in.Persona != nil {
		errs = append(errs, validatePersonaInput(*in.Persona)...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidatePersonaInput checks a persona configuration on its own.
func ValidatePersonaInput(in PersonaInput) error {
	errs := validatePersonaInput(in)
	if len(errs) > 0 {
		return ValidationErrors(errs)
	}
	return nil
}

func validatePersonaInput(in PersonaInput) []FieldError {
	var errs []FieldError

	mode := in.PipelineMode
	if mode == "" {
		mode = PipelineModeFull
	}
	if mode != PipelineModeFull && mode != PipelineModeEcho {
		errs = append(errs, FieldError{"pipeline_mode", fmt.Sprintf("unknown pipeline mode %q", in.PipelineMode)})
	}
	if mode == PipelineModeFull && strings.TrimSpace(in.SystemPrompt) == "" {
		errs = append(errs, FieldError{"system_prompt", `system prompt is required for pipeline mode "full"`})
	}
	if len(in.SystemPrompt) > maxSystemPromptLen {
		errs = append(errs, FieldError{"system_prompt", fmt.Sprintf("system prompt must be %d characters or less", maxSystemPromptLen)})
	}
	if len(in.Context) > maxContextLen {
		errs = append(errs, FieldError{"context", fmt.Sprintf("context must be %d characters or less", maxContextLen)})
	}

	if in.Layers != nil {
		if len(in.Layers.DocumentIDs) > maxDocumentIDs {
			errs = append(errs, FieldError{"document_ids", fmt.Sprintf("maximum %d documents allowed", maxDocumentIDs)})
		}
		if len(in.Layers.DocumentTags) > maxDocumentTags {
			errs = append(errs, FieldError{"document_tags", fmt.Sprintf("maximum %d document tags allowed", maxDocumentTags)})
		}
		if in.Layers.LLM != nil && len(in.Layers.LLM.Tools) > maxLLMTools {
			errs = append(errs, FieldError{"llm.tools", fmt.Sprintf("maximum %d tools allowed", maxLLMTools)})
		}
	}

	return errs
}
