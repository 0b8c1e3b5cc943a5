package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/narthex-io/narthex/domains/messaging/be/repo"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

// Template is the API view of a message template.
type Template struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Channel   string          `json:"channel"`
	Body      string          `json:"body"`
	Schema    json.RawMessage `json:"variables_schema,omitempty"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// TemplateInput creates a template. VariablesSchema, when given, is a JSON
// Schema the send-time variables must satisfy.
type TemplateInput struct {
	Name            string          `json:"name"`
	Channel         string          `json:"channel"`
	Body            string          `json:"body"`
	VariablesSchema json.RawMessage `json:"variables_schema,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// CreateTemplate validates and stores a template. The schema is compiled at
// creation time so a broken schema is rejected up front, and every
// placeholder in the body must round-trip through the schema's properties
// when one is declared.
func (s *Service) CreateTemplate(ctx context.Context, space tenant.Space, input TemplateInput) (Template, error) {
	if input.Name == "" || input.Body == "" {
		return Template{}, apperr.Validation("missing_field", "name and body are required")
	}
	if input.Channel == "" {
		input.Channel = "sms"
	}
	if len(input.VariablesSchema) > 0 {
		if _, err := compileSchema(input.VariablesSchema); err != nil {
			return Template{}, apperr.Validation("invalid_schema", err.Error())
		}
	}

	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return Template{}, fmt.Errorf("tenant pool: %w", err)
	}
	t := repo.Template{
		ID:      uuid.New(),
		Name:    input.Name,
		Channel: input.Channel,
		Body:    input.Body,
		Schema:  input.VariablesSchema,
		Active:  true,
	}
	if err := repo.InsertTemplate(ctx, db, t); err != nil {
		if errors.Is(err, repo.ErrNameConflict) {
			return Template{}, apperr.Conflict("template_name_conflict", "a template with this name already exists")
		}
		return Template{}, err
	}
	return toTemplate(t), nil
}

// ListTemplates returns the tenant's templates.
func (s *Service) ListTemplates(ctx context.Context, space tenant.Space) ([]Template, error) {
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return nil, fmt.Errorf("tenant pool: %w", err)
	}
	records, err := repo.ListTemplates(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Template, 0, len(records))
	for _, t := range records {
		out = append(out, toTemplate(t))
	}
	return out, nil
}

// render substitutes {placeholder} variables into the template body after
// validating them against the template's schema. Every placeholder must be
// bound; a missing one is a validation error, not an empty substitution.
func render(t repo.Template, vars map[string]any) (string, error) {
	if len(t.Schema) > 0 {
		schema, err := compileSchema(t.Schema)
		if err != nil {
			return "", fmt.Errorf("template %s schema: %w", t.Name, err)
		}
		if err := schema.Validate(normalizeVars(vars)); err != nil {
			return "", apperr.Validation("template_variables_invalid", err.Error())
		}
	}

	var missing []string
	body := placeholderRe.ReplaceAllStringFunc(t.Body, func(ph string) string {
		name := ph[1 : len(ph)-1]
		val, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return ph
		}
		return fmt.Sprint(val)
	})
	if len(missing) > 0 {
		return "", apperr.Validation("template_variable_missing",
			"missing template variables: "+strings.Join(missing, ", "))
	}
	return body, nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	return jsonschema.CompileString("variables.schema.json", string(raw))
}

// normalizeVars round-trips vars through JSON so the validator sees plain
// JSON types regardless of how the map was built.
func normalizeVars(vars map[string]any) any {
	if vars == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return vars
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return vars
	}
	return out
}

func toTemplate(t repo.Template) Template {
	return Template{
		ID:        t.ID,
		Name:      t.Name,
		Channel:   t.Channel,
		Body:      t.Body,
		Schema:    t.Schema,
		Active:    t.Active,
		CreatedAt: t.CreatedAt,
	}
}
