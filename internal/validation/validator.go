// Package validation provides struct-tag validation for the HTTP API's
// request DTOs, ahead of the orchestrator's own business-rule checks
// (quota, idempotency, pool availability).
package validation

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/outpostrun/outpost/models"
)

// ValidationError is one field-level failure.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ValidationResult is the complete outcome of validating a request.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validator wraps a struct-tag validator configured with the
// repo-URL and agent-kind rules the dispatch DTO needs.
type Validator struct {
	structValidator *validator.Validate
}

var repoURLPattern = regexp.MustCompile(`^(https://|git@)[\w.\-]+[:/][\w.\-/]+(\.git)?$`)

// New builds a Validator with the custom tag validators the DispatchRequest
// DTO declares (agentkind, repourl).
func New() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("agentkind", validateAgentKind)
	_ = v.RegisterValidation("repourl", validateRepoURL)
	return &Validator{structValidator: v}
}

func validateAgentKind(fl validator.FieldLevel) bool {
	kind := models.AgentKind(fl.Field().String())
	if kind == "" {
		return true // required is a separate tag; empty is checked elsewhere
	}
	return models.ValidAgentKinds[kind]
}

func validateRepoURL(fl validator.FieldLevel) bool {
	url := fl.Field().String()
	if url == "" {
		return true // repo is optional
	}
	return repoURLPattern.MatchString(url)
}

// DispatchRequest is the POST /dispatch body, struct-tag validated
// before the orchestrator ever sees it.
type DispatchRequest struct {
	AgentKind           string                      `json:"agent" validate:"required,agentkind"`
	Task                string                      `json:"task" validate:"required,min=10,max=50000"`
	ModelID             string                      `json:"model_id,omitempty"`
	RepoURL             string                      `json:"repo,omitempty" validate:"omitempty,repourl"`
	Branch              string                      `json:"branch,omitempty" validate:"omitempty,max=250"`
	WorkspaceInitMode   string                      `json:"workspace_init_mode,omitempty" validate:"omitempty,oneof=full minimal none"`
	TimeoutSeconds      int                         `json:"timeout_seconds,omitempty" validate:"omitempty,min=30,max=86400"`
	AdditionalSecrets   []string                    `json:"additional_secrets,omitempty" validate:"omitempty,dive,required"`
	IdempotencyKey      string                      `json:"idempotency_key,omitempty" validate:"omitempty,max=200"`
	Tags                map[string]string           `json:"tags,omitempty" validate:"omitempty,max=20"`
	ResourceConstraints *models.ResourceConstraints `json:"resource_constraints,omitempty"`
}

// ValidateDispatchRequest runs struct-tag validation over req and
// translates any failures into field-level messages the API layer can
// render directly in a 400 response.
func (v *Validator) ValidateDispatchRequest(req *DispatchRequest) *ValidationResult {
	err := v.structValidator.Struct(req)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	var fieldErrs validator.ValidationErrors
	if !isValidationErrors(err, &fieldErrs) {
		return &ValidationResult{Valid: false, Errors: []ValidationError{{Field: "request", Message: err.Error()}}}
	}

	errs := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			Field:   fe.Field(),
			Message: messageFor(fe),
			Value:   fe.Value(),
		})
	}
	return &ValidationResult{Valid: false, Errors: errs}
}

func isValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "agentkind":
		return fmt.Sprintf("%s is not a supported agent kind", fe.Field())
	case "repourl":
		return fmt.Sprintf("%s is not a valid repository URL", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
