package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// defaultFile is written when no registry exists, so a fresh install has a
// template to edit. Servers start disabled.
var defaultFile = File{
	MCPServers: map[string]ServerSpec{
		"filesystem": {
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", "."},
			Enabled:     false,
			Timeout:     30,
			Description: "Local filesystem access",
		},
		"github": {
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-github"},
			Env:         map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": ""},
			Enabled:     false,
			Timeout:     30,
			Description: "GitHub repository access",
		},
	},
	Settings: Settings{
		DefaultTimeout: 30,
		MaxConnections: 10,
	},
}

// LoadFile reads the mcp.json registry. When the file does not exist, a
// default template is written and returned.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return writeDefaultFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse mcp config: %w", err)
	}
	file.applyDefaults()
	return &file, nil
}

func writeDefaultFile(path string) (*File, error) {
	file := defaultFile
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode default mcp config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mcp config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write default mcp config: %w", err)
	}
	file.applyDefaults()
	return &file, nil
}

func (f *File) applyDefaults() {
	if f.Settings.DefaultTimeout == 0 {
		f.Settings.DefaultTimeout = 30
	}
	if f.Settings.MaxConnections == 0 {
		f.Settings.MaxConnections = 10
	}
	for name, spec := range f.MCPServers {
		spec.Name = name
		if spec.Transport == "" {
			spec.Transport = TransportStdio
		}
		if spec.Timeout == 0 {
			spec.Timeout = f.Settings.DefaultTimeout
		}
		f.MCPServers[name] = spec
	}
}

// EnabledSpecs returns the enabled server specs in stable name order.
func (f *File) EnabledSpecs() []ServerSpec {
	var specs []ServerSpec
	for _, spec := range f.MCPServers {
		if spec.Enabled {
			specs = append(specs, spec)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
