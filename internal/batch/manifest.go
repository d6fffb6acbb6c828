package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"harvest/internal/execution"
	"harvest/internal/services"
)

var validate = validator.New()

// Manifest is the on-disk form of a batch.
type Manifest struct {
	Items []execution.WorkItem `json:"items" yaml:"items" validate:"required,min=1,dive"`
}

// LoadManifest reads a YAML or JSON manifest from path. Files ending in
// .json are decoded as JSON; everything else as YAML.
func LoadManifest(path string) ([]execution.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseManifestJSON(data)
	}
	return ParseManifestYAML(data)
}

// ParseManifestYAML decodes and validates a YAML manifest.
func ParseManifestYAML(data []byte) ([]execution.WorkItem, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, services.Wrap(services.ErrValidation, "batch", "parse manifest", "invalid yaml", err)
	}
	return m.validated()
}

// ParseManifestJSON decodes and validates a JSON manifest.
func ParseManifestJSON(data []byte) ([]execution.WorkItem, error) {
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, services.Wrap(services.ErrValidation, "batch", "parse manifest", "invalid json", err)
	}
	return m.validated()
}

// ValidateItems checks items the same way manifests are checked.
func ValidateItems(items []execution.WorkItem) error {
	_, err := Manifest{Items: items}.validated()
	return err
}

func (m Manifest) validated() ([]execution.WorkItem, error) {
	for i := range m.Items {
		m.Items[i].Target = strings.TrimSpace(m.Items[i].Target)
		m.Items[i].Label = strings.TrimSpace(m.Items[i].Label)
		if m.Items[i].Task == "" {
			m.Items[i].Task = execution.TaskExtract
		}
	}
	if err := validate.Struct(m); err != nil {
		return nil, services.Wrap(services.ErrValidation, "batch", "validate manifest", describeValidation(err), nil)
	}
	return m.Items, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Manifest.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
