package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the project directory and its parents.
const FileName = ".archcheck.yaml"

// Credentials for one container registry. Values may reference environment
// variables, e.g. password: ${GHCR_TOKEN}.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ImageRegistry configures access to one container registry host.
type ImageRegistry struct {
	Credentials `yaml:",inline"`
	// Endpoint replaces https://<host> for this registry, e.g. a mirror.
	Endpoint string `yaml:"endpoint"`
}

// Config represents the configuration for the architecture checker
type Config struct {
	// Target platform, e.g. linux/arm64
	Target string `yaml:"target"`

	// How many levels of declared dependencies are checked below a direct one
	TransitiveDepth int `yaml:"transitiveDepth"`

	// Maximum in-flight registry requests
	Concurrency int `yaml:"concurrency"`

	// Per-request timeout
	Timeout time.Duration `yaml:"timeout"`

	// Requests per second per registry, 0 for no limit
	RateLimit float64 `yaml:"rateLimit"`

	// Exclude patterns for files or directories
	Exclude []string `yaml:"exclude"`

	// Ignore specific packages
	IgnorePackages []string `yaml:"ignorePackages"`

	Analyzers struct {
		Dependency bool `yaml:"dependency"`
		Docker     bool `yaml:"docker"`
		Terraform  bool `yaml:"terraform"`
	} `yaml:"analyzers"`

	// Custom registries for different package managers
	Registries struct {
		PyPI   string                   `yaml:"pypi"`
		Npm    string                   `yaml:"npm"`
		Images map[string]ImageRegistry `yaml:"images"`
	} `yaml:"registries"`

	// Cross-run result cache; disabled when RedisAddr is empty
	Cache struct {
		RedisAddr     string        `yaml:"redisAddr"`
		RedisPassword string        `yaml:"redisPassword"`
		RedisDB       int           `yaml:"redisDB"`
		TTL           time.Duration `yaml:"ttl"`
		Prefix        string        `yaml:"prefix"`
	} `yaml:"cache"`

	// Output configuration
	Output struct {
		Format string `yaml:"format"` // text, json, sarif
		File   string `yaml:"file"`   // Output file path (stdout if empty)
	} `yaml:"output"`

	// Exit non-zero when the overall verdict is at least this severe
	FailOn string `yaml:"failOn"`

	// Prometheus Pushgateway URL for run metrics
	Pushgateway string `yaml:"pushgateway"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	config := &Config{
		Target:          "linux/arm64",
		TransitiveDepth: 1,
		Concurrency:     8,
		Timeout:         15 * time.Second,
		Exclude:         []string{},
		FailOn:          "incompatible",
	}
	config.Analyzers.Dependency = true
	config.Analyzers.Docker = true
	config.Cache.TTL = 24 * time.Hour
	config.Cache.Prefix = "archcheck:"
	config.Output.Format = "text"
	return config
}

// LoadConfig loads the configuration from the specified file path
// If no path is provided, it looks for .archcheck.yaml in the current directory
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = FileName
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return load(configPath)
}

// FindAndLoadConfig searches for a config file in the project directory and its parents
func FindAndLoadConfig(projectPath string) (*Config, error) {
	currentDir, err := filepath.Abs(projectPath)
	if err != nil {
		currentDir = projectPath
	}
	for {
		configPath := filepath.Join(currentDir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			return load(configPath)
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			break
		}
		currentDir = parentDir
	}
	return DefaultConfig(), nil
}

func load(configPath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	config.expandEnv()
	return config, nil
}

// expandEnv substitutes environment variables in secrets.
func (c *Config) expandEnv() {
	for host, reg := range c.Registries.Images {
		reg.Username = os.ExpandEnv(reg.Username)
		reg.Password = os.ExpandEnv(reg.Password)
		c.Registries.Images[host] = reg
	}
	c.Cache.RedisPassword = os.ExpandEnv(c.Cache.RedisPassword)
}

// IsPackageIgnored checks if a package should be ignored based on the configuration.
// Names compare case-insensitively with '_' and '.' treated as '-'.
func (c *Config) IsPackageIgnored(packageName string) bool {
	for _, ignoredPackage := range c.IgnorePackages {
		if normalize(ignoredPackage) == normalize(packageName) {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.NewReplacer("_", "-", ".", "-").Replace(strings.ToLower(name))
}
