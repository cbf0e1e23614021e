package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/engine"
)

func reminderVars() map[string]string {
	return map[string]string{
		"patient_name": "Asha",
		"medicine":     "Amoxicillin",
		"dose":         "1 tablet",
		"slot":         "morning",
		"timing":       "after food",
		"time":         "08:00 AM",
		"date":         "2026-03-01",
	}
}

func TestTemplates_EveryKeyRendersInEveryLanguage(t *testing.T) {
	tpl := NewTemplates("en")
	keys := []string{
		engine.TemplateReminder, engine.TemplateEscalation, engine.TemplateFamilyNotice,
		engine.TemplateEmergency, engine.TemplateProviderAlert, engine.TemplateStopConfirmation,
		engine.TemplateLaterConfirmation, engine.TemplateHelp,
	}
	for _, lang := range []string{"en", "hi", "ta"} {
		for _, key := range keys {
			out, err := tpl.Render(key, lang, reminderVars())
			require.NoError(t, err, "%s/%s", lang, key)
			assert.NotEmpty(t, out)
			assert.NotContains(t, out, "{{", "%s/%s", lang, key)
		}
	}
}

func TestTemplates_Substitution(t *testing.T) {
	tpl := NewTemplates("en")
	out, err := tpl.Render(engine.TemplateReminder, "en", reminderVars())
	require.NoError(t, err)
	assert.Contains(t, out, "Hello Asha!")
	assert.Contains(t, out, "morning dose of Amoxicillin at 08:00 AM")
	assert.Contains(t, out, "Please take 1 tablet after food.")
}

func TestTemplates_EmptyVariablesLeaveCleanText(t *testing.T) {
	tpl := NewTemplates("en")
	vars := reminderVars()
	vars["timing"] = ""
	out, err := tpl.Render(engine.TemplateReminder, "en", vars)
	require.NoError(t, err)
	assert.Contains(t, out, "Please take 1 tablet.")
	assert.NotContains(t, out, "  ")
}

func TestTemplates_HindiTranslatesTimingAndSlot(t *testing.T) {
	tpl := NewTemplates("en")
	out, err := tpl.Render(engine.TemplateReminder, "hi-IN", reminderVars())
	require.NoError(t, err)
	assert.Contains(t, out, "नमस्ते Asha")
	assert.Contains(t, out, "सुबह")
	assert.Contains(t, out, "खाना खाने के बाद")
	assert.NotContains(t, out, "after food")
}

func TestTemplates_Fallback(t *testing.T) {
	tpl := NewTemplates("en")

	unknown, err := tpl.Render(engine.TemplateStopConfirmation, "fr", reminderVars())
	require.NoError(t, err)
	assert.Equal(t, "Reminders for Amoxicillin are stopped. Take care! 🛑", unknown)

	// Tamil has no provider alert template
	alert, err := tpl.Render(engine.TemplateProviderAlert, "ta", reminderVars())
	require.NoError(t, err)
	assert.Contains(t, alert, "Patient Asha missed Amoxicillin")

	_, err = tpl.Render("appointment", "en", nil)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestTemplates_Register(t *testing.T) {
	tpl := NewTemplates("en")
	tpl.Register("mr", engine.TemplateStopConfirmation, "{{medicine}} स्मरणपत्रे थांबवली.")

	out, err := tpl.Render(engine.TemplateStopConfirmation, "mr", reminderVars())
	require.NoError(t, err)
	assert.Equal(t, "Amoxicillin स्मरणपत्रे थांबवली.", out)
	assert.Contains(t, tpl.Languages(), "mr")
}
