package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/narthex-io/narthex/domains/messaging/be/repo"
	"github.com/narthex-io/narthex/platform/go/apperr"
)

func TestRenderSubstitutesVariables(t *testing.T) {
	t.Parallel()

	tmpl := repo.Template{Name: "checkin", Body: "Welcome {name}, checked in at {time}."}
	body, err := render(tmpl, map[string]any{"name": "Ama", "time": "09:30"})
	require.NoError(t, err)
	require.Equal(t, "Welcome Ama, checked in at 09:30.", body)
}

func TestRenderMissingVariableFails(t *testing.T) {
	t.Parallel()

	tmpl := repo.Template{Name: "checkin", Body: "Welcome {name}, see you at {time}."}
	_, err := render(tmpl, map[string]any{"name": "Ama"})
	require.Error(t, err)

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	require.Equal(t, "template_variable_missing", ae.Code)
	require.Contains(t, ae.Msg, "time")
}

func TestRenderValidatesAgainstSchema(t *testing.T) {
	t.Parallel()

	tmpl := repo.Template{
		Name: "reminder",
		Body: "Hi {name}",
		Schema: []byte(`{
			"type": "object",
			"required": ["name"],
			"properties": {"name": {"type": "string", "minLength": 1}}
		}`),
	}

	_, err := render(tmpl, map[string]any{"name": ""})
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	require.Equal(t, "template_variables_invalid", ae.Code)

	body, err := render(tmpl, map[string]any{"name": "Kwame"})
	require.NoError(t, err)
	require.Equal(t, "Hi Kwame", body)
}

func TestRenderLeavesNonPlaceholderBracesAlone(t *testing.T) {
	t.Parallel()

	tmpl := repo.Template{Name: "plain", Body: "No placeholders here."}
	body, err := render(tmpl, nil)
	require.NoError(t, err)
	require.Equal(t, "No placeholders here.", body)
}
