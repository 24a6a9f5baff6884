// Package manifest derives a normalized launch spec from a compose-style
// file at the source root, degrading to defaults when the file is missing
// or unparsable. Only the first declared service is consumed.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/LordVaderXIII/Appmanager/internal/domain"
)

// DefaultInternalPort is assumed when no manifest declares one.
const DefaultInternalPort = 80

// DefaultConfigMount is the conventional container path for the default
// volume mapping.
const DefaultConfigMount = "/etc/appmanager"

var manifestNames = []string{"docker-compose.yml", "docker-compose.yaml"}

type composeService struct {
	ContainerName string    `yaml:"container_name"`
	Ports         []string  `yaml:"ports"`
	Volumes       []string  `yaml:"volumes"`
	Environment   yaml.Node `yaml:"environment"`
}

// Extractor derives launch specs for synced checkouts.
type Extractor struct {
	defaultConfigDir string
}

// New constructs an Extractor. defaultConfigDir is the host side of the
// fallback volume mapping.
func New(defaultConfigDir string) *Extractor {
	if defaultConfigDir == "" {
		defaultConfigDir = "./config"
	}
	return &Extractor{defaultConfigDir: defaultConfigDir}
}

// Extract reads the manifest at dir and produces a LaunchSpec. A missing or
// malformed manifest is not an error: the result falls back to defaults.
func (e *Extractor) Extract(dir, fallbackName string) domain.LaunchSpec {
	spec := e.defaults(dir, fallbackName)
	path := findManifest(dir)
	if path == "" {
		return spec
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return spec
	}
	name, svc, err := firstService(data)
	if err != nil {
		return spec
	}

	if svc.ContainerName != "" {
		spec.ContainerName = svc.ContainerName
	} else if name != "" {
		spec.ContainerName = name
	}
	if ports, internal := parsePorts(svc.Ports); len(ports) > 0 {
		spec.Ports = ports
		spec.InternalPort = internal
	}
	if volumes := parseVolumes(svc.Volumes); len(volumes) > 0 {
		spec.Volumes = volumes
	}
	if env := parseEnvironment(svc.Environment); len(env) > 0 {
		spec.Env = env
	}
	return spec
}

// Merge applies per-field user overrides on top of an extracted spec.
// Set fields win; zero fields leave the extracted value alone.
func Merge(spec domain.LaunchSpec, overrides domain.SpecOverrides) domain.LaunchSpec {
	if overrides.ContainerName != "" {
		spec.ContainerName = overrides.ContainerName
	}
	if overrides.InternalPort > 0 {
		spec.InternalPort = overrides.InternalPort
	}
	if len(overrides.Ports) > 0 {
		spec.Ports = overrides.Ports
	}
	if len(overrides.Volumes) > 0 {
		spec.Volumes = overrides.Volumes
	}
	if len(overrides.Env) > 0 {
		spec.Env = overrides.Env
	}
	return spec
}

func (e *Extractor) defaults(dir, fallbackName string) domain.LaunchSpec {
	return domain.LaunchSpec{
		ContainerName: fallbackName,
		ContextDir:    dir,
		InternalPort:  DefaultInternalPort,
		Ports:         map[string]string{},
		Volumes:       map[string]string{e.defaultConfigDir: DefaultConfigMount},
		Env:           map[string]string{},
	}
}

func findManifest(dir string) string {
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// firstService returns the first declared entry under services, preserving
// document order via the yaml node tree.
func firstService(data []byte) (string, composeService, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", composeService{}, err
	}
	if len(doc.Content) == 0 {
		return "", composeService{}, fmt.Errorf("empty manifest")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return "", composeService{}, fmt.Errorf("manifest root is not a mapping")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "services" {
			continue
		}
		services := root.Content[i+1]
		if services.Kind != yaml.MappingNode || len(services.Content) < 2 {
			return "", composeService{}, fmt.Errorf("services mapping is empty")
		}
		name := services.Content[0].Value
		var svc composeService
		if err := services.Content[1].Decode(&svc); err != nil {
			return "", composeService{}, err
		}
		return name, svc, nil
	}
	return "", composeService{}, fmt.Errorf("no services declared")
}

// parsePorts maps compose port strings (host:container, optionally with a
// bind address or protocol suffix) to host→container pairs. The first
// container port becomes the spec's internal port.
func parsePorts(entries []string) (map[string]string, int) {
	ports := make(map[string]string)
	internal := 0
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		containerPart := entry
		hostPart := ""
		if parts := strings.Split(entry, ":"); len(parts) > 1 {
			containerPart = parts[len(parts)-1]
			hostPart = parts[len(parts)-2]
		}
		containerPort := strings.SplitN(containerPart, "/", 2)[0]
		if _, err := strconv.Atoi(containerPort); err != nil {
			continue
		}
		if hostPart == "" {
			hostPart = containerPort
		}
		ports[hostPart] = containerPort
		if internal == 0 {
			internal, _ = strconv.Atoi(containerPort)
		}
	}
	return ports, internal
}

func parseVolumes(entries []string) map[string]string {
	volumes := make(map[string]string)
	for _, entry := range entries {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		volumes[parts[0]] = parts[1]
	}
	return volumes
}

// parseEnvironment accepts both the mapping form ({FOO: bar}) and the list
// form (["FOO=bar"]). Later duplicates of a key win, keeping keys unique.
func parseEnvironment(node yaml.Node) map[string]string {
	env := make(map[string]string)
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			env[node.Content[i].Value] = node.Content[i+1].Value
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			parts := strings.SplitN(item.Value, "=", 2)
			if len(parts) != 2 || parts[0] == "" {
				continue
			}
			env[parts[0]] = parts[1]
		}
	}
	return env
}
