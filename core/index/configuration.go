package index

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// CurrentIndexVersion is the configuration layout written by this build.
//
//	0: algorithm and valueContainerAlgorithm may be absent
//	1: both are always present
const CurrentIndexVersion = 1

// Configuration is the persisted index configuration document.
type Configuration struct {
	KeyType                 string            `json:"keyType,omitempty"`
	Automatic               bool              `json:"automatic"`
	Type                    string            `json:"type"`
	Algorithm               string            `json:"algorithm,omitempty"`
	ValueContainerAlgorithm string            `json:"valueContainerAlgorithm,omitempty"`
	Name                    string            `json:"name"`
	IndexDefinition         *Definition       `json:"indexDefinition,omitempty"`
	IndexDefinitionClass    string            `json:"indexDefinitionClass,omitempty"`
	IndexVersion            int               `json:"indexVersion"`
	Metadata                map[string]string `json:"metadata,omitempty"`
	Clusters                []string          `json:"clusters,omitempty"`
}

// ParseConfiguration decodes a stored document and upgrades it to the
// current layout.
func ParseConfiguration(data []byte) (Configuration, error) {
	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("decode index configuration: %w", err)
	}
	return cfg.Upgrade()
}

func (c Configuration) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Upgrade rewrites an older layout into CurrentIndexVersion.
func (c Configuration) Upgrade() (Configuration, error) {
	switch {
	case c.IndexVersion > CurrentIndexVersion || c.IndexVersion < 0:
		return Configuration{}, fmt.Errorf("%w: %d", ErrUnsupportedIndexVersion, c.IndexVersion)
	case c.IndexVersion == 0:
		if c.Algorithm == "" {
			c.Algorithm = DefaultAlgorithm
		}
		if c.ValueContainerAlgorithm == "" {
			c.ValueContainerAlgorithm = DefaultValueContainerAlgorithm
		}
		c.IndexVersion = 1
	}
	return c, nil
}

// ToMetadata validates the document and builds the index descriptor.
func (c Configuration) ToMetadata() (Metadata, error) {
	if c.Name == "" {
		return Metadata{}, fmt.Errorf("%w: name", ErrMissingConfigField)
	}
	if c.Type == "" {
		return Metadata{}, fmt.Errorf("%w: type", ErrMissingConfigField)
	}
	typ, err := ParseType(c.Type)
	if err != nil {
		return Metadata{}, err
	}
	if c.IndexDefinition != nil {
		switch c.IndexDefinitionClass {
		case DefinitionSimpleKey, DefinitionProperty, DefinitionComposite:
		case "":
			return Metadata{}, fmt.Errorf("%w: indexDefinitionClass", ErrMissingConfigField)
		default:
			return Metadata{}, fmt.Errorf("%w: %q", ErrUnknownDefinitionClass, c.IndexDefinitionClass)
		}
	}
	def := c.IndexDefinition
	if def == nil && c.KeyType != "" {
		// A keyType alone describes a simple-key definition.
		def = &Definition{KeyTypes: strings.Split(c.KeyType, ",")}
	}
	return NewMetadata(c.Name, def, c.Clusters, typ, c.Algorithm, c.ValueContainerAlgorithm), nil
}

// ConfigurationOf renders metadata and engine metadata as a current-layout document.
func ConfigurationOf(m Metadata, engineMetadata map[string]string) Configuration {
	cfg := Configuration{
		Automatic:               m.Automatic(),
		Type:                    string(m.Type()),
		Algorithm:               m.Algorithm(),
		ValueContainerAlgorithm: m.ValueContainerAlgorithm(),
		Name:                    m.Name(),
		IndexVersion:            CurrentIndexVersion,
		Metadata:                maps.Clone(engineMetadata),
		Clusters:                m.ClustersToIndex(),
	}
	if def := m.Definition(); def != nil {
		cfg.IndexDefinition = def
		cfg.IndexDefinitionClass = def.Class()
		cfg.KeyType = strings.Join(def.KeyTypes, ",")
	}
	return cfg
}
