package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/portkeeper/internal/fsutil"
	"github.com/shinji-kodama/portkeeper/internal/model"
)

// FormatVersion is the current YAML registry layout version.
const FormatVersion = 1

// document is the YAML layout.
type document struct {
	Version int            `yaml:"version"`
	Workers map[string]int `yaml:"workers"`
}

// Store reads and writes one registry file.
type Store struct {
	path   string
	logger *log.Logger
}

// NewStore creates a Store for path. The format is chosen by extension:
// ".json" selects the legacy JSON layout, anything else YAML.
func NewStore(path string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the registry file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) isJSON() bool {
	return strings.EqualFold(filepath.Ext(s.path), ".json")
}

// Load returns the persisted registry.
//
// It never fails: a missing file is an empty registry, and a file that
// cannot be read, parsed or validated is logged as a warning and also
// treated as empty.
func (s *Store) Load() model.Registry {
	reg, err := s.Read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("registry unreadable, starting empty", "path", s.path, "error", err)
		}
		return model.NewRegistry()
	}
	return reg
}

// Read is the strict form of Load: it returns the error instead of an
// empty registry.
func (s *Store) Read() (model.Registry, error) {
	// Step 1: Read the whole file. The wrapped error keeps os.ErrNotExist
	// visible to Load.
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	// Step 2: The extension picks the format. Legacy .json files may
	// carry comments; jsonc strips them first.
	var reg model.Registry
	if s.isJSON() {
		reg, err = decodeJSON(data)
	} else {
		reg, err = decodeYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", s.path, err)
	}

	// Step 3: A file with duplicate or out-of-range ports is as unusable
	// as one that does not parse.
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Save writes the whole registry atomically. A registry that fails
// Validate is never written: Load would reject it and degrade to empty,
// losing every assignment.
func (s *Store) Save(reg model.Registry) error {
	if reg == nil {
		reg = model.NewRegistry()
	}
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid registry: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if s.isJSON() {
		data, err = json.MarshalIndent(reg, "", "  ")
		if err == nil {
			data = append(data, '\n')
		}
	} else {
		data, err = yaml.Marshal(document{Version: FormatVersion, Workers: reg})
	}
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

func decodeJSON(data []byte) (model.Registry, error) {
	reg := model.NewRegistry()
	if len(strings.TrimSpace(string(data))) == 0 {
		return reg, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &reg); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = model.NewRegistry()
	}
	return reg, nil
}

func decodeYAML(data []byte) (model.Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version > FormatVersion {
		return nil, fmt.Errorf("unsupported registry version %d", doc.Version)
	}
	reg := model.NewRegistry()
	for path, port := range doc.Workers {
		reg[path] = port
	}
	return reg, nil
}
