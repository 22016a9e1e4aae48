package cities

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

//go:embed cities.yaml
var defaultData []byte

// City holds the facts known about a city.
type City struct {
	Name             string   `json:"name" yaml:"name" toml:"name" jsonschema:"description=City name used as lookup key"`
	Population       string   `json:"population" yaml:"population" toml:"population"`
	PointsOfInterest []string `json:"points_of_interest" yaml:"points_of_interest" toml:"points_of_interest"`
	University       string   `json:"university" yaml:"university" toml:"university"`
}

// File is the on-disk format of a dataset.
type File struct {
	Cities []City `json:"cities" yaml:"cities" toml:"cities" jsonschema:"required"`
}

// Dataset maps city names to their facts.
type Dataset map[string]City

type facts struct {
	Population       string   `yaml:"população"`
	PointsOfInterest []string `yaml:"pontos_turisticos,flow"`
	University       string   `yaml:"universidade"`
}

// MarshalYAML renders the dataset as the model sees it: facts keyed by city.
func (d Dataset) MarshalYAML() (any, error) {
	out := make(map[string]facts, len(d))
	for name, c := range d {
		out[name] = facts{
			Population:       c.Population,
			PointsOfInterest: c.PointsOfInterest,
			University:       c.University,
		}
	}
	return out, nil
}

// Names returns the sorted city names.
func (d Dataset) Names() []string {
	names := make([]string, 0, len(d))
	for n := range d {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup finds a city by name, ignoring case.
func (d Dataset) Lookup(name string) (City, bool) {
	if c, ok := d[name]; ok {
		return c, true
	}
	for n, c := range d {
		if strings.EqualFold(n, name) {
			return c, true
		}
	}
	return City{}, false
}

// Mentioned returns the cities whose name appears as whole words in the text.
func (d Dataset) Mentioned(text string) Dataset {
	text = strings.ToLower(text)
	out := Dataset{}
	for n, c := range d {
		if containsWord(text, strings.ToLower(n)) {
			out[n] = c
		}
	}
	return out
}

// containsWord reports whether word appears in text not surrounded by
// letters or digits.
func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	for start := 0; start < len(text); {
		i := strings.Index(text[start:], word)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(word)
		before, _ := utf8.DecodeLastRuneInString(text[:i])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if !isWordRune(before) && !isWordRune(after) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		start = i + size
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// File returns the dataset in its on-disk format.
func (d Dataset) File() File {
	f := File{}
	for _, n := range d.Names() {
		f.Cities = append(f.Cities, d[n])
	}
	return f
}

// Default returns the built-in dataset.
func Default() (Dataset, error) {
	return Parse(defaultData, ".yaml")
}

// Load reads a dataset file. The format is chosen by extension: yaml, json,
// jsonc (json with comments) or toml. An empty path returns the default
// dataset.
func Load(path string) (Dataset, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cities: couldn't read %s: %w", path, err)
	}
	d, err := Parse(b, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("cities: %s: %w", path, err)
	}
	return d, nil
}

// Parse decodes dataset data in the format given by ext.
func Parse(b []byte, ext string) (Dataset, error) {
	var f File
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("couldn't unmarshal yaml: %w", err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(b), &f); err != nil {
			return nil, fmt.Errorf("couldn't unmarshal json: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("couldn't unmarshal toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", ext)
	}
	return fromFile(f)
}

func fromFile(f File) (Dataset, error) {
	d := Dataset{}
	for i, c := range f.Cities {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			return nil, fmt.Errorf("city %d has no name", i)
		}
		if _, ok := d[c.Name]; ok {
			return nil, fmt.Errorf("duplicated city %q", c.Name)
		}
		d[c.Name] = c
	}
	return d, nil
}
