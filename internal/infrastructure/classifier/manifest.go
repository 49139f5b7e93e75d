package classifier

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

// ManifestFile is the artifact key of the model description.
const ManifestFile = "model.yaml"

// Manifest describes a model artifact. The label table is versioned with the
// model: labels[i] names output score i.
type Manifest struct {
	Version     string   `yaml:"version"`
	ModelFile   string   `yaml:"model_file"`
	ModelSHA256 string   `yaml:"model_sha256,omitempty"`
	InputName   string   `yaml:"input_name"`
	OutputName  string   `yaml:"output_name"`
	InputShape  []int64  `yaml:"input_shape"`
	OutputShape []int64  `yaml:"output_shape"`
	Labels      []string `yaml:"labels"`
}

func ParseManifest(data []byte) (Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, domain.WrapError(domain.ErrModelLoad, "parse model manifest", err)
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) Validate() error {
	var problems []error
	if strings.TrimSpace(m.Version) == "" {
		problems = append(problems, errors.New("version is required"))
	}
	if strings.TrimSpace(m.ModelFile) == "" {
		problems = append(problems, errors.New("model_file is required"))
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[3] != 3 || m.InputShape[1] < 1 || m.InputShape[2] < 1 {
		problems = append(problems, fmt.Errorf("input_shape must be [1, H, W, 3], got %v", m.InputShape))
	}
	if len(m.Labels) == 0 {
		problems = append(problems, errors.New("labels must not be empty"))
	}
	seen := make(map[string]struct{}, len(m.Labels))
	for _, label := range m.Labels {
		if strings.TrimSpace(label) == "" {
			problems = append(problems, errors.New("labels must not contain blanks"))
			continue
		}
		if _, dup := seen[label]; dup {
			problems = append(problems, fmt.Errorf("duplicate label %q", label))
		}
		seen[label] = struct{}{}
	}
	if len(m.OutputShape) == 0 || m.OutputShape[len(m.OutputShape)-1] != int64(len(m.Labels)) {
		problems = append(problems, fmt.Errorf("output_shape %v does not match %d labels", m.OutputShape, len(m.Labels)))
	}

	if err := errors.Join(problems...); err != nil {
		return domain.WrapError(domain.ErrModelLoad, "validate model manifest", err)
	}
	return nil
}

// InputSize returns the spatial dimensions the preprocessor must resize to.
func (m Manifest) InputSize() (height, width int) {
	if len(m.InputShape) != 4 {
		return 0, 0
	}
	return int(m.InputShape[1]), int(m.InputShape[2])
}
