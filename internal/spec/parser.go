package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadFile parses and validates the specification at path.
func LoadFile(path string) (*Spec, error) {
	doc, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Validate(doc)
}

// ParseFile parses a specification from a YAML file.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read specification: %w", err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse specification %s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes YAML data. Unknown keys and duplicate keys are errors.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("invalid specification format: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, errors.New("specification is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("specification is empty")
		}
		return nil, fmt.Errorf("invalid specification format: %w", err)
	}

	doc.recordFields(root.Content[0])
	return &doc, nil
}

// DeviceNames returns device names in document order. Documents built in code
// have no recorded order; their names are sorted.
func (d *Document) DeviceNames() []string {
	if len(d.order) == len(d.Devices) {
		return d.order
	}
	names := make([]string, 0, len(d.Devices))
	for name := range d.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// recordFields walks the node tree to capture device order and the optional
// keys each entity sets.
func (d *Document) recordFields(top *yaml.Node) {
	for key, val := range mappingPairs(top) {
		switch key {
		case "devices":
			for name, dev := range mappingPairs(val) {
				d.order = append(d.order, name)
				if doc := d.Devices[name]; doc != nil {
					doc.fields = keysOf(dev)
				}
			}
		case "commands":
			for i, item := range sequenceItems(val) {
				if i < len(d.Commands) && d.Commands[i] != nil {
					d.Commands[i].fields = keysOf(item)
				}
			}
		case "downloads":
			for i, item := range sequenceItems(val) {
				if i < len(d.Downloads) && d.Downloads[i] != nil {
					d.Downloads[i].fields = keysOf(item)
				}
			}
		}
	}
}

// mappingPairs yields key/value pairs of a mapping node in document order.
func mappingPairs(n *yaml.Node) func(yield func(string, *yaml.Node) bool) {
	return func(yield func(string, *yaml.Node) bool) {
		if n == nil || n.Kind != yaml.MappingNode {
			return
		}
		for i := 0; i+1 < len(n.Content); i += 2 {
			if !yield(n.Content[i].Value, n.Content[i+1]) {
				return
			}
		}
	}
}

func sequenceItems(n *yaml.Node) []*yaml.Node {
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil
	}
	return n.Content
}

func keysOf(n *yaml.Node) Fields {
	f := Fields{}
	for key := range mappingPairs(n) {
		f[key] = true
	}
	return f
}
