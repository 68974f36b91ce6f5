package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/vitebski/ods-ingest/pkg/models"
	"gopkg.in/yaml.v3"
)

// Supported drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Supported instance kinds
const (
	KindDBMS = "dbms"
	KindFile = "file"
)

// ConnectionConfig describes one named data source
type ConnectionConfig struct {
	Driver    string `yaml:"driver"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	TrustCert bool   `yaml:"trust_cert"`
	SSLMode   string `yaml:"sslmode"`
}

// LedgerConfig locates the run ledger. Empty connection fields inherit from the ODS.
type LedgerConfig struct {
	ConnectionConfig `yaml:",inline"`
	Table            string `yaml:"table"`
}

// DeployConfig holds the statements executed by the deploy command
type DeployConfig struct {
	DDL  []string `yaml:"ddl"`
	Seed []string `yaml:"seed"`
}

// InstanceConfig binds an instance name to its source and target schema
type InstanceConfig struct {
	Kind   string           `yaml:"kind"`
	Schema string           `yaml:"schema"`
	Source ConnectionConfig `yaml:"source"`
	Path   string           `yaml:"path"`
	Deploy DeployConfig     `yaml:"deploy"`
}

// Config is the full application configuration
type Config struct {
	Parameters struct {
		DefaultChunkSize int `yaml:"default_chunksize"`
	} `yaml:"parameters"`

	ODS       ConnectionConfig          `yaml:"ods"`
	Ledger    LedgerConfig              `yaml:"ledger"`
	Instances map[string]InstanceConfig `yaml:"instances"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", models.ErrConfiguration, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML, expands ${VAR} references and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", models.ErrConfiguration, err)
	}

	expandConnection(&cfg.ODS)
	expandConnection(&cfg.Ledger.ConnectionConfig)

	// Set defaults
	if cfg.Parameters.DefaultChunkSize <= 0 {
		cfg.Parameters.DefaultChunkSize = models.DefaultChunkSize
	}
	applyConnectionDefaults(&cfg.ODS)
	inheritConnection(&cfg.Ledger.ConnectionConfig, cfg.ODS)
	if cfg.Ledger.Table == "" {
		cfg.Ledger.Table = "history"
	}

	for name, inst := range cfg.Instances {
		expandConnection(&inst.Source)
		inst.Path = expandEnv(inst.Path)
		if inst.Kind == "" {
			inst.Kind = KindDBMS
		}
		if inst.Schema == "" {
			inst.Schema = "ods_" + name
		}
		if inst.Kind == KindDBMS {
			applyConnectionDefaults(&inst.Source)
		}
		cfg.Instances[name] = inst
	}

	return &cfg, nil
}

// Validate reports every missing or invalid setting
func (c *Config) Validate() error {
	var errs []error

	if err := c.ODS.validate("ods"); err != nil {
		errs = append(errs, err)
	}
	if err := c.Ledger.validate("ledger"); err != nil {
		errs = append(errs, err)
	}
	if len(c.Instances) == 0 {
		errs = append(errs, errors.New("no instances configured"))
	}
	for _, name := range c.InstanceNames() {
		inst := c.Instances[name]
		switch inst.Kind {
		case KindDBMS:
			if err := inst.Source.validate("instances." + name + ".source"); err != nil {
				errs = append(errs, err)
			}
		case KindFile:
			if inst.Path == "" {
				errs = append(errs, fmt.Errorf("instances.%s.path is required for file instances", name))
			}
		default:
			errs = append(errs, fmt.Errorf("instances.%s.kind %q is not one of dbms, file", name, inst.Kind))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// InstanceNames returns the configured instance names in sorted order
func (c *Config) InstanceNames() []string {
	names := make([]string, 0, len(c.Instances))
	for name := range c.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveInstances returns the requested instances, or all of them when none are given.
// Unknown names fail before any work begins.
func (c *Config) ResolveInstances(requested ...string) ([]string, error) {
	return ResolveNames(c.InstanceNames(), requested...)
}

// ResolveNames checks requested instance names against the known ones, dropping
// duplicates and keeping request order. No request selects every known name.
func ResolveNames(known []string, requested ...string) ([]string, error) {
	if len(requested) == 0 {
		if len(known) == 0 {
			return nil, fmt.Errorf("%w: no instances configured", models.ErrConfiguration)
		}
		return known, nil
	}

	valid := make(map[string]bool, len(known))
	for _, name := range known {
		valid[name] = true
	}

	var names, unknown []string
	seen := make(map[string]bool)
	for _, name := range requested {
		if !valid[name] {
			unknown = append(unknown, name)
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s not valid instance(s)", models.ErrConfiguration, strings.Join(unknown, ", "))
	}
	return names, nil
}

func (cc ConnectionConfig) validate(prefix string) error {
	var missing []string
	if cc.Host == "" {
		missing = append(missing, "host")
	}
	if cc.User == "" {
		missing = append(missing, "user")
	}
	if cc.Database == "" {
		missing = append(missing, "database")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing %s", prefix, strings.Join(missing, ", "))
	}
	if cc.Driver != DriverMySQL && cc.Driver != DriverPostgres {
		return fmt.Errorf("%s: unsupported driver %q", prefix, cc.Driver)
	}
	if cc.Port <= 0 || cc.Port > 65535 {
		return fmt.Errorf("%s: invalid port %d", prefix, cc.Port)
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references and leaves any other $ untouched
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func expandConnection(cc *ConnectionConfig) {
	cc.Driver = expandEnv(cc.Driver)
	cc.Host = expandEnv(cc.Host)
	cc.User = expandEnv(cc.User)
	cc.Password = expandEnv(cc.Password)
	cc.Database = expandEnv(cc.Database)
	cc.SSLMode = expandEnv(cc.SSLMode)
}

func applyConnectionDefaults(cc *ConnectionConfig) {
	if cc.Driver == "" {
		cc.Driver = DriverMySQL
	}
	cc.Driver = strings.ToLower(cc.Driver)
	if cc.Port == 0 {
		switch cc.Driver {
		case DriverPostgres:
			cc.Port = 5432
		default:
			cc.Port = 3306
		}
	}
}

func inheritConnection(cc *ConnectionConfig, from ConnectionConfig) {
	if cc.Driver == "" {
		cc.Driver = from.Driver
	}
	if cc.Host == "" {
		cc.Host = from.Host
	}
	if cc.Port == 0 {
		cc.Port = from.Port
	}
	if cc.User == "" {
		cc.User = from.User
	}
	if cc.Password == "" {
		cc.Password = from.Password
	}
	if cc.Database == "" {
		cc.Database = from.Database
	}
	if !cc.TrustCert {
		cc.TrustCert = from.TrustCert
	}
	if cc.SSLMode == "" {
		cc.SSLMode = from.SSLMode
	}
	applyConnectionDefaults(cc)
}
