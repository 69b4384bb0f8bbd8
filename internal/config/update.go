package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AddDevice adds a device entry to the config file at configPath, creating
// the file when it doesn't exist. Existing structure and comments are kept.
// Adding a name that already exists is an error unless replace is set.
func AddDevice(configPath, name string, dev DeviceConfig, replace bool) error {
	root, err := readDocument(configPath)
	if err != nil {
		return err
	}
	docNode := root.Content[0]

	devicesNode := findMapValue(docNode, "devices")
	if devicesNode == nil || devicesNode.Kind != yaml.MappingNode {
		if devicesNode != nil {
			removeMapKey(docNode, "devices")
		}
		devicesNode = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		docNode.Content = append(docNode.Content, scalarNode("devices"), devicesNode)
	}

	var devNode yaml.Node
	if err := devNode.Encode(dev); err != nil {
		return fmt.Errorf("failed to encode device: %w", err)
	}

	if existing := findMapValue(devicesNode, name); existing != nil {
		if !replace {
			return fmt.Errorf("device '%s' already exists", name)
		}
		*existing = devNode
	} else {
		devicesNode.Content = append(devicesNode.Content, scalarNode(name), &devNode)
	}

	return writeDocument(configPath, root)
}

// RemoveDevice deletes a device entry. Removing an unknown device is an error.
// A default pointing at the removed device is cleared.
func RemoveDevice(configPath, name string) error {
	root, err := readDocument(configPath)
	if err != nil {
		return err
	}
	docNode := root.Content[0]

	devicesNode := findMapValue(docNode, "devices")
	if devicesNode == nil || !removeMapKey(devicesNode, name) {
		return fmt.Errorf("device '%s' not found in config", name)
	}

	if def := findMapValue(docNode, "default"); def != nil && def.Value == name {
		removeMapKey(docNode, "default")
	}

	return writeDocument(configPath, root)
}

// SetDefaultDevice sets the top-level default device.
func SetDefaultDevice(configPath, name string) error {
	root, err := readDocument(configPath)
	if err != nil {
		return err
	}
	docNode := root.Content[0]

	if def := findMapValue(docNode, "default"); def != nil {
		def.Kind = yaml.ScalarNode
		def.Tag = "!!str"
		def.Value = name
	} else {
		docNode.Content = append(docNode.Content, scalarNode("default"), scalarNode(name))
	}
	return writeDocument(configPath, root)
}

// readDocument parses configPath into a yaml.Node document. A missing or
// empty file yields a fresh document with the current version.
func readDocument(configPath string) (*yaml.Node, error) {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if root.Kind == 0 {
		root = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{{
				Kind: yaml.MappingNode,
				Tag:  "!!map",
				Content: []*yaml.Node{
					scalarNode("version"),
					{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(CurrentConfigVersion)},
				},
			}},
		}
	}

	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("invalid YAML document structure")
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected mapping at document root")
	}
	return &root, nil
}

func writeDocument(configPath string, root *yaml.Node) error {
	var buf strings.Builder
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(root); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	encoder.Close()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(buf.String()), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

// findMapValue finds a value in a mapping node by key name.
func findMapValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i < len(node.Content)-1; i += 2 {
		keyNode := node.Content[i]
		valueNode := node.Content[i+1]

		if keyNode.Kind == yaml.ScalarNode && keyNode.Value == key {
			return valueNode
		}
	}

	return nil
}

// removeMapKey deletes key and its value from a mapping node.
func removeMapKey(node *yaml.Node, key string) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i < len(node.Content)-1; i += 2 {
		if node.Content[i].Kind == yaml.ScalarNode && node.Content[i].Value == key {
			node.Content = append(node.Content[:i], node.Content[i+2:]...)
			return true
		}
	}
	return false
}
