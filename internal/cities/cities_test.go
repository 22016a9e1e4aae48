package cities

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/igolaizola/citychat/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	d, err := Default()
	require.NoError(t, err)
	assert.Len(t, d, 14)

	sp, ok := d.Lookup("são paulo")
	require.True(t, ok)
	assert.Equal(t, "12,33 milhões", sp.Population)
	assert.Equal(t, []string{"Parque Ibirapuera", "Avenida Paulista", "Mercado Municipal", "Catedral da Sé"}, sp.PointsOfInterest)

	rec, ok := d.Lookup("Recife")
	require.True(t, ok)
	assert.Equal(t, "Universidade Federal de Pernambuco (UFPE)", rec.University)

	cui := d["Cuiabá"]
	assert.Contains(t, cui.PointsOfInterest, "Museu do Morro da Caixa D'Água")
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
	}{
		{
			name: "yaml",
			ext:  ".yml",
			data: "cities:\n  - name: Natal\n    population: 1,4 milhões\n    points_of_interest: [Marco Zero]\n    university: UFRN\n",
		},
		{
			name: "json",
			ext:  ".json",
			data: `{"cities": [{"name": "Natal", "population": "1,4 milhões", "points_of_interest": ["Marco Zero"], "university": "UFRN"}]}`,
		},
		{
			name: "jsonc",
			ext:  ".jsonc",
			data: "{\n  // facts\n  \"cities\": [{\"name\": \"Natal\", \"population\": \"1,4 milhões\", \"points_of_interest\": [\"Marco Zero\"], \"university\": \"UFRN\"}]\n}",
		},
		{
			name: "toml",
			ext:  ".toml",
			data: "[[cities]]\nname = \"Natal\"\npopulation = \"1,4 milhões\"\npoints_of_interest = [\"Marco Zero\"]\nuniversity = \"UFRN\"\n",
		},
	}
	want := Dataset{"Natal": {
		Name:             "Natal",
		Population:       "1,4 milhões",
		PointsOfInterest: []string{"Marco Zero"},
		University:       "UFRN",
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.data), tt.ext)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("cities: []"), ".xml")
	require.Error(t, err)

	_, err = Parse([]byte("cities:\n  - name: A\n  - name: A\n"), ".yaml")
	require.ErrorContains(t, err, "duplicated")

	_, err = Parse([]byte("cities:\n  - population: \"1\"\n"), ".yaml")
	require.ErrorContains(t, err, "no name")
}

func TestMentioned(t *testing.T) {
	d, err := Default()
	require.NoError(t, err)

	m := d.Mentioned("Quais são os pontos turísticos de Fortaleza?")
	assert.Equal(t, []string{"Fortaleza"}, m.Names())

	m = d.Mentioned("compare recife e salvador")
	assert.Equal(t, []string{"Recife", "Salvador"}, m.Names())

	assert.Empty(t, d.Mentioned("olá"))

	// Whole words only
	assert.Empty(t, d.Mentioned("qual é a taxa de natalidade?"))
	m = d.Mentioned("natalidade em Natal, 2024")
	assert.Equal(t, []string{"Natal"}, m.Names())
	m = d.Mentioned("Natal.")
	assert.Equal(t, []string{"Natal"}, m.Names())
	m = d.Mentioned("população de são paulo?")
	assert.Equal(t, []string{"São Paulo"}, m.Names())
}

func TestMarshalYAML(t *testing.T) {
	d, err := Default()
	require.NoError(t, err)

	b, err := yaml.Marshal(d.Mentioned("São Paulo"))
	require.NoError(t, err)

	var got map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(b, &got))
	assert.Equal(t, "12,33 milhões", got["São Paulo"]["população"])
	assert.Equal(t, "Universidade de São Paulo (USP)", got["São Paulo"]["universidade"])
	assert.Len(t, got["São Paulo"]["pontos_turisticos"], 4)
}

func TestFileRoundTrip(t *testing.T) {
	d, err := Default()
	require.NoError(t, err)

	b, err := yaml.Marshal(d.File())
	require.NoError(t, err)
	got, err := Parse(b, ".yaml")
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestSourceContext(t *testing.T) {
	d, err := Default()
	require.NoError(t, err)

	s := NewStaticSource(d, true)
	history := []memory.Message{
		memory.NewHuman("Qual é a principal universidade de Recife?"),
	}
	got, err := s.Context(history)
	require.NoError(t, err)
	assert.Equal(t, []string{"Recife"}, got.(Dataset).Names())

	got, err = s.Context([]memory.Message{memory.NewHuman("olá")})
	require.NoError(t, err)
	assert.Len(t, got.(Dataset), 14)

	got, err = NewStaticSource(d, false).Context(history)
	require.NoError(t, err)
	assert.Len(t, got.(Dataset), 14)
}

func writeFile(t *testing.T, path, name string) {
	t.Helper()
	data := "cities:\n  - name: " + name + "\n    population: \"1\"\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
}

func TestSourceReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cities.yaml")
	writeFile(t, path, "Natal")

	s, err := NewSource(path, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Natal"}, s.Dataset().Names())

	writeFile(t, path, "Recife")
	require.NoError(t, s.Reload())
	assert.Equal(t, []string{"Recife"}, s.Dataset().Names())
}

func TestSourceWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cities.yaml")
	writeFile(t, path, "Natal")

	s, err := NewSource(path, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	writeFile(t, path, "Manaus")
	assert.Eventually(t, func() bool {
		return strings.Join(s.Dataset().Names(), ",") == "Manaus"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchBuiltin(t *testing.T) {
	s, err := NewSource("", false)
	require.NoError(t, err)
	require.Error(t, s.Watch(context.Background()))
}

func TestSchema(t *testing.T) {
	b, err := Schema()
	require.NoError(t, err)
	assert.Contains(t, string(b), "points_of_interest")
	assert.Contains(t, string(b), "citychat dataset")
}
