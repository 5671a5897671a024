package poller

import (
	"strings"

	"drawing-mesh-pipeline/internal/models"
)

// Locator pulls an artifact reference out of one known response shape.
type Locator struct {
	Name string
	Find func(job models.ExternalJob) string
}

// DefaultLocators is the resilience policy for successful jobs: the service
// reports the model under result.<kind>.url for most task types and under a
// flat output.<kind> URL for others, and image_to_model favours pbr_model over
// model. Locators run in order and the first non-empty reference wins.
var DefaultLocators = []Locator{
	{Name: "result.pbr_model.url", Find: fromSection(sectionResult, "pbr_model")},
	{Name: "result.model.url", Find: fromSection(sectionResult, "model")},
	{Name: "output.pbr_model", Find: fromSection(sectionOutput, "pbr_model")},
	{Name: "output.model", Find: fromSection(sectionOutput, "model")},
}

type section int

const (
	sectionResult section = iota
	sectionOutput
)

func fromSection(sec section, key string) func(models.ExternalJob) string {
	return func(job models.ExternalJob) string {
		m := job.Result
		if sec == sectionOutput {
			m = job.Output
		}
		if m == nil {
			return ""
		}
		return urlFrom(m[key])
	}
}

// urlFrom accepts either a bare URL string or an object carrying a "url" field.
func urlFrom(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if s, ok := t["url"].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Locate runs locators in order and returns the first hit along with the
// name of the locator that produced it.
func Locate(job models.ExternalJob, locators []Locator) (string, string) {
	for _, l := range locators {
		if ref := l.Find(job); ref != "" {
			return ref, l.Name
		}
	}
	return "", ""
}
