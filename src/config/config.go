package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/blinknet/blinkd/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private identity seed.
	DefaultKeyfile = "identity_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database with service-node records.
	DefaultBadgerFile = "registry_db"

	// DefaultLogFile is the default name of the log file.
	DefaultLogFile = "blinkd.log"
)

// Default configuration values.
const (
	DefaultLogLevel      = "debug"
	DefaultBindAddr      = "127.0.0.1:22020"
	DefaultTCPTimeout    = 1000 * time.Millisecond
	DefaultBlockInterval = 10 * time.Second
	DefaultStore         = false
)

// Config contains all the configuration properties of a blinkd node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port the quorum transport listens on.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address advertised to other nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// TCPTimeout is the timeout for dialing quorum peers.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// BlockInterval is the cadence of the development chain height ticker.
	BlockInterval time.Duration `mapstructure:"block-interval"`

	// Store activates the persistent service-node registry database.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:       DefaultDataDir(),
		LogLevel:      DefaultLogLevel,
		BindAddr:      DefaultBindAddr,
		TCPTimeout:    DefaultTCPTimeout,
		BlockInterval: DefaultBlockInterval,
		Store:         DefaultStore,
		DatabaseDir:   DefaultDatabaseDir(),
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, the user has explicitly set it to
// something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// LogFile returns the full path of the node's log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.DataDir, DefaultLogFile)
}

// Logger returns a formatted logrus Entry with prefix set to "blinkd". The
// console gets the prefixed text formatter; a file hook mirrors everything
// as JSON into the datadir.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if f, err := os.OpenFile(c.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600); err == nil {
			f.Close()
			pathMap := lfshook.PathMap{}
			for _, lvl := range logrus.AllLevels {
				if lvl <= c.logger.Level {
					pathMap[lvl] = c.LogFile()
				}
			}
			c.logger.Hooks.Add(lfshook.NewHook(pathMap, &logrus.JSONFormatter{}))
		}
	}
	return c.logger.WithField("prefix", "blinkd")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level blinkd
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Blinkd")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Blinkd")
		} else {
			return filepath.Join(home, ".blinkd")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
