package prompt

import (
	"strings"
	"testing"

	"github.com/igolaizola/citychat/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	got, err := Render(SystemLanguage, Data{Language: "Português"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, "em Português."))

	got, err = Render("plain", Data{})
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	_, err = Render("{{.Missing}}", Data{})
	require.Error(t, err)

	_, err = Render("{{.Language", Data{})
	require.Error(t, err)
}

func TestPreamble(t *testing.T) {
	got, err := Preamble("")
	require.NoError(t, err)
	assert.Equal(t, System, got)

	got, err = Preamble("English")
	require.NoError(t, err)
	assert.Contains(t, got, "English")
}

func TestAssemble(t *testing.T) {
	a := NewAssembler()
	history := []memory.Message{
		memory.NewSystem(System),
		memory.NewHuman("oi"),
		memory.NewAssistant("olá"),
	}
	aux := map[string]map[string]string{"Natal": {"população": "1,4 milhões"}}

	got, err := a.Assemble(System, aux, history)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, memory.System, got[0].Role)
	assert.True(t, strings.HasPrefix(got[0].Content, System+"\n\n"+ContextHeading+"\n"))
	assert.Contains(t, got[0].Content, "1,4 milhões")
	assert.Equal(t, history[1:], got[1:])
	// The repeated preamble is not duplicated
	assert.Equal(t, 1, strings.Count(got[0].Content, System))
}

func TestAssembleMergesSystem(t *testing.T) {
	a := &Assembler{}
	history := []memory.Message{
		memory.NewSystem("Seja breve."),
		memory.NewHuman("oi"),
	}
	got, err := a.Assemble("Preâmbulo.", "dados", history)
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{
		memory.NewSystem("Preâmbulo.\n\ndados\n\nSeja breve."),
		memory.NewHuman("oi"),
	}, got)
}

func TestAssembleWithoutSystem(t *testing.T) {
	a := NewAssembler()
	history := []memory.Message{memory.NewHuman("oi")}
	got, err := a.Assemble("", nil, history)
	require.NoError(t, err)
	assert.Equal(t, history, got)

	got, err = a.Assemble("", map[string]string{}, history)
	require.NoError(t, err)
	assert.Equal(t, history, got)
}
