package notify

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/drfirst/go-adherence/internal/engine"
)

// ErrUnknownTemplate is returned when neither the requested nor the default
// language defines a key
var ErrUnknownTemplate = errors.New("unknown template")

var (
	placeholder = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)
	extraSpace  = regexp.MustCompile(`[ \t]{2,}`)
	spacePunct  = regexp.MustCompile(`[ \t]+([.,!?।])`)
)

// Templates renders {{var}} message templates per language. Variable values
// listed in the language vocabulary (timing and slot words) are translated too.
type Templates struct {
	mu              sync.RWMutex
	bodies          map[string]map[string]string
	vocabulary      map[string]map[string]string
	defaultLanguage string
}

var _ engine.MessageTemplater = (*Templates)(nil)

// NewTemplates returns the built-in English, Hindi and Tamil templates.
// Unknown languages fall back to defaultLanguage.
func NewTemplates(defaultLanguage string) *Templates {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	t := &Templates{
		bodies:          make(map[string]map[string]string),
		vocabulary:      make(map[string]map[string]string),
		defaultLanguage: normalizeLanguage(defaultLanguage),
	}
	for lang, set := range builtinTemplates {
		for key, body := range set {
			t.Register(lang, key, body)
		}
	}
	for lang, words := range builtinVocabulary {
		t.vocabulary[lang] = words
	}
	return t
}

// Register adds or replaces one template
func (t *Templates) Register(language, key, body string) {
	language = normalizeLanguage(language)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bodies[language] == nil {
		t.bodies[language] = make(map[string]string)
	}
	t.bodies[language][key] = body
}

// Languages returns the languages with at least one template
func (t *Templates) Languages() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.bodies))
	for lang := range t.bodies {
		out = append(out, lang)
	}
	return out
}

// Render implements engine.MessageTemplater. Placeholders without a value are
// dropped.
func (t *Templates) Render(key, language string, vars map[string]string) (string, error) {
	lang := normalizeLanguage(language)
	t.mu.RLock()
	body, ok := t.bodies[lang][key]
	if !ok {
		lang = t.defaultLanguage
		body, ok = t.bodies[lang][key]
	}
	words := t.vocabulary[lang]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, key)
	}

	out := placeholder.ReplaceAllStringFunc(body, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v := vars[name]
		if w, ok := words[v]; ok && (name == "timing" || name == "slot") {
			return w
		}
		return v
	})
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		line = extraSpace.ReplaceAllString(line, " ")
		lines[i] = strings.TrimSpace(spacePunct.ReplaceAllString(line, "$1"))
	}
	return strings.Join(lines, "\n"), nil
}

// normalizeLanguage reduces tags like "hi-IN" to "hi"
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

var builtinTemplates = map[string]map[string]string{
	"en": {
		engine.TemplateReminder: "Hello {{patient_name}}! 💊 Time for your {{slot}} dose of {{medicine}} at {{time}}.\n" +
			"Please take {{dose}} {{timing}}.\n" +
			"Reply TAKEN, LATER or SKIP. Reply STOP to end these reminders.",
		engine.TemplateEscalation: "⚠️ Important: your {{medicine}} dose due at {{time}} is not confirmed yet.\n" +
			"Please take {{dose}} {{timing}} and reply TAKEN.",
		engine.TemplateFamilyNotice: "{{patient_name}} has not confirmed the important medicine {{medicine}} due at {{time}} on {{date}}. " +
			"Please check on them.",
		engine.TemplateEmergency: "🚨 Emergency: the {{medicine}} dose due at {{time}} on {{date}} has been missed for over 24 hours.\n" +
			"Please consult the doctor immediately. The emergency contact has been notified.",
		engine.TemplateProviderAlert:     "Patient {{patient_name}} missed {{medicine}} ({{dose}}) due {{date}} {{time}} and has not responded for over 24 hours.",
		engine.TemplateStopConfirmation:  "Reminders for {{medicine}} are stopped. Take care! 🛑",
		engine.TemplateLaterConfirmation: "OK, we will remind you about {{medicine}} again in {{delay}} minutes ⏰",
		engine.TemplateHelp: "Sorry {{patient_name}}, we did not understand that.\n" +
			"Reply TAKEN after your dose, LATER to be reminded again, SKIP to skip this dose or STOP to end reminders.",
	},
	"hi": {
		engine.TemplateReminder: "नमस्ते {{patient_name}}! 💊 आपकी {{slot}} की {{medicine}} दवा का समय ({{time}})।\n" +
			"कृपया {{dose}} {{timing}} लें।\n" +
			"जवाब दें: TAKEN (ली गई), LATER (बाद में), SKIP (छोड़ें)। रिमाइंडर बंद करने के लिए STOP भेजें।",
		engine.TemplateEscalation: "⚠️ महत्वपूर्ण: {{time}} की {{medicine}} दवा की पुष्टि नहीं हुई है।\n" +
			"कृपया {{dose}} लें और TAKEN भेजें।",
		engine.TemplateFamilyNotice:      "मरीज़ {{patient_name}} ने महत्वपूर्ण दवा {{medicine}} ({{date}} {{time}}) की पुष्टि नहीं की है। कृपया उनसे संपर्क करें।",
		engine.TemplateEmergency:         "🚨 आपातकाल: {{date}} {{time}} की {{medicine}} दवा 24+ घंटे से छूटी हुई है।\nतुरंत अपने डॉक्टर से सलाह लें। आपातकालीन संपर्क को सूचित किया गया है।",
		engine.TemplateProviderAlert:     "मरीज़ {{patient_name}} ने {{medicine}} ({{dose}}) की {{date}} {{time}} की खुराक 24 घंटे से अधिक समय से नहीं ली है।",
		engine.TemplateStopConfirmation:  "{{medicine}} के रिमाइंडर बंद कर दिए गए। ध्यान रखें! 🛑",
		engine.TemplateLaterConfirmation: "ठीक है, {{delay}} मिनट बाद {{medicine}} के लिए फिर याद दिलाएंगे ⏰",
		engine.TemplateHelp:              "क्षमा करें {{patient_name}}, हम समझ नहीं पाए।\nदवा लेने के बाद TAKEN, बाद में याद दिलाने के लिए LATER, छोड़ने के लिए SKIP या बंद करने के लिए STOP भेजें।",
	},
	"ta": {
		engine.TemplateReminder: "வணக்கம் {{patient_name}}! 💊 உங்கள் {{slot}} {{medicine}} மருந்து நேரம் ({{time}}).\n" +
			"தயவுசெய்து {{dose}} {{timing}} எடுத்துக்கொள்ளுங்கள்.\n" +
			"பதில்: TAKEN, LATER, SKIP. நிறுத்த STOP அனுப்பவும்.",
		engine.TemplateEscalation:        "⚠️ முக்கியம்: {{time}} {{medicine}} மருந்து உறுதிப்படுத்தப்படவில்லை. {{dose}} எடுத்து TAKEN அனுப்பவும்.",
		engine.TemplateFamilyNotice:      "நோயாளி {{patient_name}} முக்கிய மருந்து {{medicine}} ({{date}} {{time}}) தவறவிட்டார்.",
		engine.TemplateEmergency:         "🚨 அவசரம்: {{date}} {{time}} {{medicine}} மருந்து 24+ மணி நேரமாக தவறவிடப்பட்டது.\nஉடனே உங்கள் மருத்துவரை அணுகவும்.",
		engine.TemplateStopConfirmation:  "{{medicine}} நினைவூட்டல்கள் நிறுத்தப்பட்டன. கவனமாக இருங்கள்! 🛑",
		engine.TemplateLaterConfirmation: "{{delay}} நிமிடங்களில் {{medicine}} மீண்டும் நினைவூட்டப்படும் ⏰",
	},
}

var builtinVocabulary = map[string]map[string]string{
	"hi": {
		"before food":         "खाना खाने से पहले",
		"after food":          "खाना खाने के बाद",
		"with food":           "खाने के साथ",
		"on an empty stomach": "खाली पेट",
		"morning":             "सुबह",
		"afternoon":           "दोपहर",
		"evening":             "शाम",
	},
	"ta": {
		"before food": "சாப்பாட்டிற்கு முன்",
		"after food":  "சாப்பாட்டிற்கு பின்",
		"with food":   "சாப்பாட்டுடன்",
		"morning":     "காலை",
		"afternoon":   "மதிய",
		"evening":     "மாலை",
	},
}
