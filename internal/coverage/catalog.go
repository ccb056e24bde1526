package coverage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"riskgate/internal/riskgate"
)

type catalogFile struct {
	Controls []riskgate.Control `yaml:"controls"`
}

// LoadCatalog reads the control catalog YAML at path. A missing file is not
// an error: the mapper falls back to its built-in control.
func LoadCatalog(path string) ([]riskgate.Control, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read control catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) ([]riskgate.Control, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse control catalog: %w", err)
	}
	return doc.Controls, nil
}
