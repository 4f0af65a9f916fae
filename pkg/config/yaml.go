// Package config decodes YAML configuration under resource limits.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Limits bounds the size and shape of a YAML document.
type Limits struct {
	MaxFileSize  int64 // Maximum document size in bytes
	MaxDepth     int   // Maximum nesting depth
	MaxNodes     int   // Maximum number of nodes, counting alias expansions
	MaxKeyLength int   // Maximum mapping key length in bytes
	MaxValueSize int64 // Maximum scalar size in bytes
}

// DefaultLimits returns limits suitable for hand-written configuration files.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:  1024 * 1024, // 1MB
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 256,
		MaxValueSize: 256 * 1024, // prompts can be long
	}
}

// Parser decodes YAML after checking it against its limits.
type Parser struct {
	limits Limits
}

// NewParser creates a Parser.
func NewParser(limits Limits) *Parser {
	return &Parser{limits: limits}
}

// Unmarshal checks data and decodes it into v. Unknown fields are ignored.
func (p *Parser) Unmarshal(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML document size %d bytes exceeds maximum %d bytes", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("YAML parse error: %w", err)
	}

	c := &checker{limits: p.limits}
	if err := c.check(&root, 0); err != nil {
		return err
	}
	return root.Decode(v)
}

type checker struct {
	limits Limits
	nodes  int
}

func (c *checker) check(node *yaml.Node, depth int) error {
	if depth > c.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, c.limits.MaxDepth)
	}
	c.nodes++
	if c.nodes > c.limits.MaxNodes {
		return fmt.Errorf("YAML node count exceeds maximum %d", c.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := c.check(child, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if len(key.Value) > c.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds maximum %d", len(key.Value), c.limits.MaxKeyLength)
			}
			if err := c.check(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := c.check(child, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(node.Value)) > c.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds maximum %d bytes", len(node.Value), c.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		// Each alias use counts again, which bounds expansion attacks.
		if node.Alias != nil {
			return c.check(node.Alias, depth+1)
		}
	}
	return nil
}
