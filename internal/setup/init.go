// Package setup handles agent directory initialization and discovery.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/fieldagent/internal/model"
	atomicyaml "github.com/msageha/fieldagent/internal/yaml"
	"github.com/msageha/fieldagent/templates"
)

// DirName is the agent directory created inside a workspace.
const DirName = ".fieldagent"

const configFile = "config.yaml"

// ErrNotFound is returned by FindAgentDir when no agent directory exists above the start dir.
var ErrNotFound = errors.New(".fieldagent/ directory not found")

// Options overrides fields of the embedded config template.
type Options struct {
	BaseURL     string
	Username    string
	ResponderID string
	StoreDriver string
}

// Run initializes the .fieldagent/ directory structure in workDir and returns its path.
func Run(workDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("resolve work dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"state",
		"inbox",
		"locks",
		"logs",
		"dead_letters",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, configFile), cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", configFile, err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "agent.lock"), nil, 0600); err != nil {
		return "", fmt.Errorf("create agent.lock: %w", err)
	}
	return base, nil
}

func generateConfig(opts Options) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, configFile)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if opts.BaseURL != "" {
		cfg.Server.BaseURL = opts.BaseURL
	}
	if opts.Username != "" {
		cfg.Agent.Username = opts.Username
	}
	if opts.ResponderID != "" {
		cfg.Agent.ResponderID = opts.ResponderID
	}
	switch opts.StoreDriver {
	case "":
	case model.StoreDriverYAML, model.StoreDriverSQLite:
		cfg.Store.Driver = opts.StoreDriver
	default:
		return nil, fmt.Errorf("unknown store driver %q, must be yaml|sqlite", opts.StoreDriver)
	}
	return &cfg, nil
}

// FindAgentDir searches for .fieldagent/ in start and its ancestors.
func FindAgentDir(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// LoadConfig reads <agentDir>/config.yaml and applies defaults.
func LoadConfig(agentDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(agentDir, configFile))
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", configFile, err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", configFile, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
