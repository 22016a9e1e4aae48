package prompt

import (
	"fmt"
	"strings"
	"text/template"
)

var System = `Você é um assistente útil. Responda todas as perguntas com precisão.`

var SystemLanguage = `Você é um assistente útil. Responda todas as perguntas com precisão, em {{.Language}}.`

// ContextHeading introduces the auxiliary data in the system message.
var ContextHeading = `Use os dados das cidades abaixo para responder:`

// Data holds the variables available to preamble templates.
type Data struct {
	Language string
}

// Render executes the preamble template with the given data.
func Render(preamble string, data Data) (string, error) {
	if !strings.Contains(preamble, "{{") {
		return preamble, nil
	}
	tmpl, err := template.New("preamble").Option("missingkey=error").Parse(preamble)
	if err != nil {
		return "", fmt.Errorf("prompt: couldn't parse preamble: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("prompt: couldn't render preamble: %w", err)
	}
	return sb.String(), nil
}

// Preamble returns the default preamble for a language, empty for none.
func Preamble(language string) (string, error) {
	if language == "" {
		return System, nil
	}
	return Render(SystemLanguage, Data{Language: language})
}
