// Package config holds the agent's own settings, read from a TOML file, and
// the runtime configuration bundle delivered by the orchestrator.
package config

import (
	"io/ioutil"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// DefaultPath is where the agent looks for its settings.
const DefaultPath = "/etc/hostmanager/hostmanager.toml"

// Config is the agent's settings.
type Config struct {
	Listen        string   `toml:"listen"`
	Database      string   `toml:"database"`
	APIVersions   []string `toml:"api_versions"`
	AgentVersion  string   `toml:"agent_version"`
	ContainerType string   `toml:"container_type"`
	Region        string   `toml:"region"`
	LogLevel      string   `toml:"log_level"`
	LogFile       string   `toml:"log_file"`
	Workers       int      `toml:"workers"`

	AppServer   AppServer   `toml:"appserver"`
	Application Application `toml:"application"`
	SelfUpdate  SelfUpdate  `toml:"self_update"`
	Unmanage    Unmanage    `toml:"unmanage"`
}

// AppServer names the systemd unit running the application server.
type AppServer struct {
	Unit       string `toml:"unit"`
	Socket     string `toml:"socket"`
	RuntimeDir string `toml:"runtime_dir"`
}

// Application locates the custom application's files. Phase scripts are
// written to ScriptDir and the application is unpacked under StagingDir.
type Application struct {
	Name       string `toml:"name"`
	ScriptDir  string `toml:"script_dir"`
	StagingDir string `toml:"staging_dir"`

	// HealthcheckBase is prefixed to the health check path of the bundle.
	HealthcheckBase string `toml:"healthcheck_base"`
}

type SelfUpdate struct {
	Dir     string `toml:"dir"`
	Script  string `toml:"script"`
	Install string `toml:"install_dir"`
}

type Unmanage struct {
	Script string `toml:"script"`
	Log    string `toml:"log"`
}

// Default returns the settings used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Listen:        ":8999",
		Database:      "/var/lib/hostmanager/hostmanager.db",
		APIVersions:   []string{"2011-08-29"},
		AgentVersion:  "1.0.0",
		ContainerType: "custom",
		LogLevel:      "info",
		Workers:       4,
		AppServer: AppServer{
			Unit: "application.service",
		},
		Application: Application{
			Name:       "CustomApplication",
			ScriptDir:  "/var/lib/hostmanager/scripts",
			StagingDir: "/tmp/application-deployment",

			HealthcheckBase: "http://localhost",
		},
		SelfUpdate: SelfUpdate{
			Dir:     "/tmp/hostmanager_update",
			Script:  "/tmp/self-update.sh",
			Install: "/opt/elasticbeanstalk/srv",
		},
		Unmanage: Unmanage{
			Script: "/var/tmp/unmanage.sh",
			Log:    "/var/tmp/unmanage.log",
		},
	}
}

// Load reads settings from path.
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read config %q", path)
	}
	return Parse(raw)
}

// Parse reads TOML settings, filling unset values from Default.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	cfg.fill(Default())
	return cfg, nil
}

func (c *Config) fill(d *Config) {
	setString(&c.Listen, d.Listen)
	setString(&c.Database, d.Database)
	if len(c.APIVersions) == 0 {
		c.APIVersions = d.APIVersions
	}
	setString(&c.AgentVersion, d.AgentVersion)
	setString(&c.ContainerType, d.ContainerType)
	setString(&c.LogLevel, d.LogLevel)
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	setString(&c.AppServer.Unit, d.AppServer.Unit)
	setString(&c.Application.Name, d.Application.Name)
	setString(&c.Application.ScriptDir, d.Application.ScriptDir)
	setString(&c.Application.StagingDir, d.Application.StagingDir)
	setString(&c.Application.HealthcheckBase, d.Application.HealthcheckBase)
	setString(&c.SelfUpdate.Dir, d.SelfUpdate.Dir)
	setString(&c.SelfUpdate.Script, d.SelfUpdate.Script)
	setString(&c.SelfUpdate.Install, d.SelfUpdate.Install)
	setString(&c.Unmanage.Script, d.Unmanage.Script)
	setString(&c.Unmanage.Log, d.Unmanage.Log)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// SupportsAPI reports whether v is an accepted API version.
func (c *Config) SupportsAPI(v string) bool {
	for _, s := range c.APIVersions {
		if s == v {
			return true
		}
	}
	return false
}
