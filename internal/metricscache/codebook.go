package metricscache

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed codebook.yaml
var codebookYAML []byte

// AnswerVocabulary maps questionnaire answer codes to bucket labels.
type AnswerVocabulary struct {
	Multiple    string            `yaml:"multiple"`
	NoneChecked string            `yaml:"none_checked"`
	Unset       string            `yaml:"unset"`
	Other       string            `yaml:"other"`
	Codes       map[string]string `yaml:"codes"`
	Keys        []string          `yaml:"keys"`
}

// CodeValues returns the answer code values in a stable order.
func (v AnswerVocabulary) CodeValues() []string {
	out := make([]string, 0, len(v.Codes))
	for code := range v.Codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

type AgeRange struct {
	Label string `yaml:"label"`
	Max   *int   `yaml:"max"`
}

type AgeVocabulary struct {
	Unset  string     `yaml:"unset"`
	Ranges []AgeRange `yaml:"ranges"`
}

// Keys returns every age bucket label, UNSET last.
func (v AgeVocabulary) Keys() []string {
	out := make([]string, 0, len(v.Ranges)+1)
	for _, r := range v.Ranges {
		out = append(out, r.Label)
	}
	return append(out, v.Unset)
}

type CensusRegion struct {
	Name   string   `yaml:"name"`
	States []string `yaml:"states"`
}

// Codebook is the embedded vocabulary every dimension labels buckets with.
type Codebook struct {
	Gender        map[CacheType]AnswerVocabulary `yaml:"gender"`
	Race          map[CacheType]AnswerVocabulary `yaml:"race"`
	Age           map[CacheType]AgeVocabulary    `yaml:"age"`
	CensusRegions []CensusRegion                 `yaml:"census_regions"`
	Territories   []string                       `yaml:"territories"`

	stateRegion map[string]string
}

// ParseCodebook decodes a codebook document.
func ParseCodebook(data []byte) (*Codebook, error) {
	var cb Codebook
	if err := yaml.Unmarshal(data, &cb); err != nil {
		return nil, fmt.Errorf("parse codebook: %w", err)
	}
	for _, t := range []CacheType{MetricsV2API, PublicMetricsExportAPI} {
		if _, ok := cb.Gender[t]; !ok {
			return nil, fmt.Errorf("codebook: missing gender vocabulary for %s", t)
		}
		if _, ok := cb.Race[t]; !ok {
			return nil, fmt.Errorf("codebook: missing race vocabulary for %s", t)
		}
		if len(cb.Age[t].Ranges) == 0 {
			return nil, fmt.Errorf("codebook: missing age ranges for %s", t)
		}
	}
	cb.stateRegion = make(map[string]string)
	for _, r := range cb.CensusRegions {
		for _, s := range r.States {
			cb.stateRegion[s] = r.Name
		}
	}
	return &cb, nil
}

var (
	defaultCodebook     *Codebook
	defaultCodebookErr  error
	defaultCodebookOnce sync.Once
)

// DefaultCodebook returns the embedded codebook.
func DefaultCodebook() (*Codebook, error) {
	defaultCodebookOnce.Do(func() {
		defaultCodebook, defaultCodebookErr = ParseCodebook(codebookYAML)
	})
	return defaultCodebook, defaultCodebookErr
}

// CensusRegion returns the census region of a state code.
func (cb *Codebook) CensusRegion(state string) (string, bool) {
	r, ok := cb.stateRegion[state]
	return r, ok
}

// CensusRegionNames lists regions in document order.
func (cb *Codebook) CensusRegionNames() []string {
	out := make([]string, len(cb.CensusRegions))
	for i, r := range cb.CensusRegions {
		out[i] = r.Name
	}
	return out
}

// RecognizedStates lists every state code the state rollup reports,
// census states first then territories, each group sorted.
func (cb *Codebook) RecognizedStates() []string {
	states := make([]string, 0, len(cb.stateRegion))
	for s := range cb.stateRegion {
		states = append(states, s)
	}
	sort.Strings(states)
	terr := append([]string(nil), cb.Territories...)
	sort.Strings(terr)
	return append(states, terr...)
}
