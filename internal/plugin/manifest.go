package plugin

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Class declares one handler class served by a plugin entrypoint.
type Class struct {
	Name        string        `yaml:"name"`
	RequestType string        `yaml:"request_type,omitempty"`
	Description string        `yaml:"description,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// Classes is a list of handler classes.
//
// Accepted formats:
//   - string array: classes: [Upper, Slugify]
//   - object array: classes: [{name: Upper, request_type: TEXT_UPPER}]
type Classes []Class

func (c *Classes) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*c = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("classes must be a sequence")
	}

	out := make([]Class, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Class{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp Class
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid class object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid class entry (must be string or object)")
		}
	}

	*c = out
	return nil
}

// Manifest defines the structure of a plugin's manifest.yaml file. Name is
// the handler module path the classes are registered under.
type Manifest struct {
	Name        string  `yaml:"name"`
	Version     string  `yaml:"version"`
	Protocol    int     `yaml:"protocol"`
	Entrypoint  string  `yaml:"entrypoint"`
	Description string  `yaml:"description,omitempty"`
	Classes     Classes `yaml:"classes"`
}

// Validate checks the required fields and class declarations.
func (m *Manifest) Validate() error {
	switch {
	case m.Name == "":
		return fmt.Errorf("name is required")
	case strings.ContainsAny(m.Name, " /\\") || strings.HasPrefix(m.Name, ".") || strings.HasSuffix(m.Name, "."):
		return fmt.Errorf("name %q is not a valid module path", m.Name)
	case m.Protocol == 0:
		return fmt.Errorf("protocol version is required")
	case m.Protocol != supportedProtocol:
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, supportedProtocol)
	case m.Entrypoint == "":
		return fmt.Errorf("entrypoint is required")
	case filepath.IsAbs(m.Entrypoint) || strings.Contains(m.Entrypoint, ".."):
		return fmt.Errorf("entrypoint must be a path inside the plugin directory: %s", m.Entrypoint)
	case len(m.Classes) == 0:
		return fmt.Errorf("at least one class must be declared")
	}

	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		switch {
		case c.Name == "":
			return fmt.Errorf("class name is required")
		case strings.ContainsAny(c.Name, ". "):
			return fmt.Errorf("class name %q must not contain dots or spaces", c.Name)
		case seen[c.Name]:
			return fmt.Errorf("class %q declared twice", c.Name)
		case c.Timeout < 0:
			return fmt.Errorf("class %q has a negative timeout", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Plugin represents a discovered and validated plugin.
type Plugin struct {
	Name        string  // Handler module path from manifest
	Path        string  // Absolute path to plugin directory
	Entrypoint  string  // Absolute path to entrypoint executable
	Protocol    int     // Protocol version
	Version     string  // Plugin version
	Description string  // Human-readable description
	Classes     Classes // Handler classes served by the entrypoint
}

// Class returns the named class declaration.
func (p *Plugin) Class(name string) (Class, bool) {
	for _, c := range p.Classes {
		if c.Name == name {
			return c, true
		}
	}
	return Class{}, false
}

// RequestTypeFor returns the declared request type of a class, defaulting
// to the upper-cased class name.
func (p *Plugin) RequestTypeFor(class string) string {
	if c, ok := p.Class(class); ok && c.RequestType != "" {
		return c.RequestType
	}
	return strings.ToUpper(class)
}
