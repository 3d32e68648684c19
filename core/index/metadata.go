package index

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Type is the duplicate-handling policy of an index.
type Type string

const (
	TypeUnique     Type = "UNIQUE"
	TypeNotUnique  Type = "NOTUNIQUE"
	TypeFullText   Type = "FULLTEXT"
	TypeDictionary Type = "DICTIONARY"
)

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeUnique, TypeNotUnique, TypeFullText, TypeDictionary:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownIndexType, s)
}

// SingleValued reports whether a key holds at most one value.
func (t Type) SingleValued() bool {
	return t == TypeUnique || t == TypeDictionary
}

const (
	DefaultAlgorithm               = "SBTREE"
	DefaultValueContainerAlgorithm = "NONE"
)

// Definition is the key extraction rule of an index.
type Definition struct {
	ClassName         string   `json:"className,omitempty"`
	Fields            []string `json:"fields,omitempty"`
	KeyTypes          []string `json:"keyTypes"`
	Collate           string   `json:"collate,omitempty"`
	NullValuesIgnored bool     `json:"nullValuesIgnored"`
}

const (
	DefinitionSimpleKey = "SimpleKeyIndexDefinition"
	DefinitionProperty  = "PropertyIndexDefinition"
	DefinitionComposite = "CompositeIndexDefinition"
)

// Class names the definition kind stored as indexDefinitionClass.
func (d *Definition) Class() string {
	switch {
	case d == nil:
		return ""
	case d.ClassName == "":
		return DefinitionSimpleKey
	case len(d.Fields) > 1:
		return DefinitionComposite
	}
	return DefinitionProperty
}

func (d *Definition) Equal(o *Definition) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.ClassName == o.ClassName &&
		slices.Equal(d.Fields, o.Fields) &&
		slices.Equal(d.KeyTypes, o.KeyTypes) &&
		d.Collate == o.Collate &&
		d.NullValuesIgnored == o.NullValuesIgnored
}

func (d *Definition) clone() *Definition {
	if d == nil {
		return nil
	}
	c := *d
	c.Fields = slices.Clone(d.Fields)
	c.KeyTypes = slices.Clone(d.KeyTypes)
	return &c
}

// Metadata is the immutable descriptor of one index. A change produces a new
// Metadata value.
type Metadata struct {
	name                    string
	definition              *Definition
	clustersToIndex         []string
	typ                     Type
	algorithm               string
	valueContainerAlgorithm string
}

func NewMetadata(name string, def *Definition, clusters []string, typ Type, algorithm, valueContainerAlgorithm string) Metadata {
	return Metadata{
		name:                    name,
		definition:              def.clone(),
		clustersToIndex:         clusterSet(clusters),
		typ:                     typ,
		algorithm:               algorithm,
		valueContainerAlgorithm: valueContainerAlgorithm,
	}
}

func (m Metadata) Name() string                    { return m.name }
func (m Metadata) Definition() *Definition         { return m.definition.clone() }
func (m Metadata) ClustersToIndex() []string       { return slices.Clone(m.clustersToIndex) }
func (m Metadata) Type() Type                      { return m.typ }
func (m Metadata) Algorithm() string               { return m.algorithm }
func (m Metadata) ValueContainerAlgorithm() string { return m.valueContainerAlgorithm }

// Automatic reports whether the index is maintained from a class property.
func (m Metadata) Automatic() bool {
	return m.definition != nil && m.definition.ClassName != ""
}

// Equal compares every field except the value container algorithm.
func (m Metadata) Equal(o Metadata) bool {
	return m.name == o.name &&
		m.definition.Equal(o.definition) &&
		slices.Equal(m.clustersToIndex, o.clustersToIndex) &&
		m.typ == o.typ &&
		m.algorithm == o.algorithm
}

func (m Metadata) WithCluster(cluster string) Metadata {
	next := m
	next.clustersToIndex = clusterSet(append(slices.Clone(m.clustersToIndex), cluster))
	return next
}

func (m Metadata) WithoutCluster(cluster string) Metadata {
	next := m
	next.clustersToIndex = slices.DeleteFunc(slices.Clone(m.clustersToIndex), func(c string) bool {
		return c == cluster
	})
	return next
}

func clusterSet(clusters []string) []string {
	out := make([]string, 0, len(clusters))
	for _, c := range clusters {
		c = strings.ToLower(c)
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
