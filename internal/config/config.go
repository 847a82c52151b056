// Package config loads and validates the settings that drive a dispatcher
// process: Load parses the YAML file, applies environment overrides and
// yields a validated Settings value.
package config

import (
	"os"
	"regexp"
	"time"

	"github.com/jjeffery/kv"
	"gopkg.in/yaml.v3"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
)

// Settings is the fully validated configuration for one dispatcher process.
type Settings struct {
	Storage          StorageSettings    `yaml:"storage"`
	Postgresql       *DatabaseSettings  `yaml:"postgresql"`
	Sqlite           *SqliteSettings    `yaml:"sqlite"`
	CommandQueue     CommandQueue       `yaml:"command_queue"`
	DirectorySources []DirectorySource  `yaml:"directory_sources"`
	SftpSources      []SftpSource       `yaml:"sftp_sources"`
	Targets          []TargetSettings   `yaml:"targets"`
	HTTPServer       HTTPServerSettings `yaml:"http_server"`
	Prometheus       PrometheusSettings `yaml:"prometheus"`
}

// StorageSettings names the local root for materialized files.
type StorageSettings struct {
	Directory string `yaml:"directory"`
}

// DatabaseSettings describes a PostgreSQL connection.
type DatabaseSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

// SqliteSettings describes a SQLite database file.
type SqliteSettings struct {
	Path string `yaml:"path"`
}

// CommandQueue names the AMQP broker endpoint.
type CommandQueue struct {
	Address string `yaml:"address"`
}

// DirectorySource configures one local-directory source.
type DirectorySource struct {
	Name      string   `yaml:"name"`
	Directory string   `yaml:"directory"`
	Recursive bool     `yaml:"recursive"`
	Filter    string   `yaml:"filter"`
	Targets   []string `yaml:"targets"`

	filterRe *regexp.Regexp
}

// FilterRegex returns the compiled filter pattern.
func (d DirectorySource) FilterRegex() *regexp.Regexp { return d.filterRe }

// SftpSource configures one remote SFTP source.
type SftpSource struct {
	Name           string `yaml:"name"`
	Address        string `yaml:"address"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
	JobQueue       string `yaml:"job_queue"`
}

// TargetSettings configures one dispatch target.
type TargetSettings struct {
	Name  string `yaml:"name"`
	Match string `yaml:"match"`
	Queue string `yaml:"queue"`

	matchRe *regexp.Regexp
}

// MatchRegex returns the compiled match pattern.
func (t TargetSettings) MatchRegex() *regexp.Regexp { return t.matchRe }

// HTTPServerSettings configures the (out-of-core) metrics/admin surface.
type HTTPServerSettings struct {
	Port int `yaml:"port"`
}

// PrometheusSettings configures optional push-gateway delivery.
type PrometheusSettings struct {
	PushGateway string `yaml:"push_gateway"`
}

const (
	// DefaultSettleDuration is the directory source's default write-complete
	// dwell time.
	DefaultSettleDuration = 250 * time.Millisecond
	// DefaultShutdownDeadline bounds the supervisor's drain phase.
	DefaultShutdownDeadline = 30 * time.Second
)

// Load reads a YAML settings file from path, applies environment overrides
// and returns a validated Settings value or the list of validation
// failures found.
func Load(path string) (*Settings, []kv.Error) {
	data, errGo := os.ReadFile(path)
	if errGo != nil {
		return nil, []kv.Error{errkind.Wrap(errkind.Config, errGo, "read config file").With("path", path)}
	}

	settings := &Settings{}
	if errGo := yaml.Unmarshal(data, settings); errGo != nil {
		return nil, []kv.Error{errkind.Wrap(errkind.Config, errGo, "parse config file").With("path", path)}
	}

	applyEnvOverrides(settings)

	if errs := settings.compileAndValidate(); len(errs) != 0 {
		return nil, errs
	}
	return settings, nil
}

// applyEnvOverrides lets a handful of deployment-time secrets (broker
// credentials baked into an address, database password) be supplied out of
// band rather than committed to the YAML file.
func applyEnvOverrides(s *Settings) {
	if addr := os.Getenv("CORTEX_COMMAND_QUEUE_ADDRESS"); addr != "" {
		s.CommandQueue.Address = addr
	}
	if s.Postgresql != nil {
		if pw := os.Getenv("CORTEX_POSTGRESQL_PASSWORD"); pw != "" {
			s.Postgresql.Password = pw
		}
	}
}

func (s *Settings) compileAndValidate() []kv.Error {
	var errs []kv.Error

	if s.Storage.Directory == "" {
		errs = append(errs, errkind.New(errkind.Config, "storage.directory is required"))
	}

	if s.Postgresql == nil && s.Sqlite == nil {
		errs = append(errs, errkind.New(errkind.Config, "exactly one of postgresql or sqlite must be configured"))
	}
	if s.Postgresql != nil && s.Sqlite != nil {
		errs = append(errs, errkind.New(errkind.Config, "only one of postgresql or sqlite may be configured"))
	}

	if s.CommandQueue.Address == "" {
		errs = append(errs, errkind.New(errkind.Config, "command_queue.address is required"))
	}

	for i := range s.DirectorySources {
		ds := &s.DirectorySources[i]
		if ds.Name == "" {
			errs = append(errs, errkind.New(errkind.Config, "directory_sources entry missing name").With("index", i))
			continue
		}
		if ds.Directory == "" {
			errs = append(errs, errkind.New(errkind.Config, "directory_sources entry missing directory").With("name", ds.Name))
		}
		re, errGo := compileFilter(ds.Filter)
		if errGo != nil {
			errs = append(errs, errkind.Wrap(errkind.Config, errGo, "invalid filter regex").With("name", ds.Name))
			continue
		}
		ds.filterRe = re
	}

	for i := range s.SftpSources {
		ss := &s.SftpSources[i]
		if ss.Name == "" {
			errs = append(errs, errkind.New(errkind.Config, "sftp_sources entry missing name").With("index", i))
			continue
		}
		if ss.Address == "" {
			errs = append(errs, errkind.New(errkind.Config, "sftp_sources entry missing address").With("name", ss.Name))
		}
		if ss.Password == "" && ss.PrivateKeyPath == "" {
			errs = append(errs, errkind.New(errkind.Config, "sftp_sources entry needs password or private_key_path").With("name", ss.Name))
		}
	}

	for i := range s.Targets {
		t := &s.Targets[i]
		if t.Name == "" {
			errs = append(errs, errkind.New(errkind.Config, "targets entry missing name").With("index", i))
			continue
		}
		if t.Queue == "" {
			errs = append(errs, errkind.New(errkind.Config, "targets entry missing queue").With("name", t.Name))
		}
		re, errGo := compileFilter(t.Match)
		if errGo != nil {
			errs = append(errs, errkind.Wrap(errkind.Config, errGo, "invalid match regex").With("name", t.Name))
			continue
		}
		t.matchRe = re
	}

	return errs
}

func compileFilter(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = ".*"
	}
	return regexp.Compile(pattern)
}
