// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	"gopkg.in/yaml.v2"
)

// keyIDRegexp defines allowable characters in Key IDs.
var keyIDRegexp = regexp.MustCompile("^ed25519:[a-zA-Z0-9_]+$")

// Version is the current version of the config format.
// This will change whenever we make breaking changes to the config format.
const Version = 1

// FedCore contains all the config used by a federation core server process.
// Relative paths are resolved relative to the current working directory.
type FedCore struct {
	// The version of the configuration file.
	// If the version in a file doesn't match the current version then
	// fedcore will refuse to start with a suitable error message.
	Version int `yaml:"version"`

	Global        Global        `yaml:"global"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	RoomServer    RoomServer    `yaml:"room_server"`

	// The config for tracing the fedcore servers.
	Tracing struct {
		// Set to true to enable tracer hooks. If false, no tracing is set up.
		Enabled bool `yaml:"enabled"`
		// The config for the jaeger opentracing reporter.
		Jaeger jaegerconfig.Configuration `yaml:"jaeger"`
	} `yaml:"tracing"`

	// The config for logging informations. Each hook will be added to logrus.
	Logging []LogrusHook `yaml:"logging"`

	// Any information derived from the configuration options for later use.
	Derived Derived `yaml:"-"`
}

// Derived holds values computed from the configuration after loading.
type Derived struct {
	// The resolved absolute path of the loaded config file.
	ConfigPath string
}

// DefaultOpts controls what defaults are filled in by Defaults.
type DefaultOpts struct {
	// Generate is set when writing a brand new config rather than loading one.
	Generate bool
	// SingleDatabase means every component shares the global database.
	SingleDatabase bool
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a postgresql database using lib/pq, or an
// sqlite file URI.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	// commented line may not always be true?
	// return strings.HasPrefix(string(d), "postgres:")
	return !d.IsSQLite()
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" and "std" are supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Load a yaml config file for a server run as multiple processes or as a monolith.
// Checks the config to ensure that it is valid.
func Load(configPath string) (*FedCore, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(".")
	if err != nil {
		return nil, err
	}
	// Pass the current working directory and os.ReadFile so that they can
	// be mocked in the tests
	cfg, err := loadConfig(basePath, configData, os.ReadFile)
	if err != nil {
		return nil, err
	}
	cfg.Derived.ConfigPath, _ = filepath.Abs(configPath)
	return cfg, nil
}

func loadConfig(
	basePath string,
	configData []byte,
	readFile func(string) ([]byte, error),
) (*FedCore, error) {
	var c FedCore
	c.Defaults(DefaultOpts{
		Generate:       false,
		SingleDatabase: true,
	})

	var err error
	if err = yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}

	if err = c.check(); err != nil {
		return nil, err
	}

	privateKeyPath := absPath(basePath, c.Global.PrivateKeyPath)
	if c.Global.KeyID, c.Global.PrivateKey, err = LoadMatrixKey(privateKeyPath, readFile); err != nil {
		return nil, fmt.Errorf("failed to load private_key: %w", err)
	}

	for _, v := range c.Global.OldVerifyKeys {
		if v.KeyID, v.PrivateKey, err = LoadMatrixKey(absPath(basePath, v.PrivateKeyPath), readFile); err != nil {
			return nil, fmt.Errorf("failed to load old_private_keys: %w", err)
		}
		v.PublicKey = base64.RawStdEncoding.EncodeToString(v.PrivateKey.Public().(ed25519.PublicKey))
	}

	return &c, nil
}

// LoadMatrixKey reads an ed25519 signing key from a PEM file. The key ID is
// taken from the Key-ID header of the PEM block.
func LoadMatrixKey(privateKeyPath string, readFile func(string) ([]byte, error)) (gomatrixserverlib.KeyID, ed25519.PrivateKey, error) {
	privateKeyData, err := readFile(privateKeyPath)
	if err != nil {
		return "", nil, err
	}
	return readKeyPEM(privateKeyPath, privateKeyData, true)
}

// Defaults sets default config values if they are not explicitly set.
func (c *FedCore) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.FederationAPI.Defaults(opts)
	c.RoomServer.Defaults(opts)
	c.Wiring()
}

func (c *FedCore) Verify(configErrs *ConfigErrors) {
	type verifiable interface {
		Verify(configErrs *ConfigErrors)
	}
	for _, c := range []verifiable{
		&c.Global, &c.FederationAPI, &c.RoomServer,
	} {
		c.Verify(configErrs)
	}
	for i, hook := range c.Logging {
		checkNotEmpty(configErrs, fmt.Sprintf("logging[%d].type", i), hook.Type)
		if hook.Type != "std" && hook.Type != "file" {
			configErrs.Add(fmt.Sprintf("invalid logging hook type %q", hook.Type))
		}
		if _, err := logrus.ParseLevel(hook.Level); err != nil {
			configErrs.Add(fmt.Sprintf("invalid log level %q for logging[%d]", hook.Level, i))
		}
	}
}

// Wiring gives every component a pointer to the global config.
func (c *FedCore) Wiring() {
	c.Global.JetStream.Matrix = &c.Global
	c.FederationAPI.Matrix = &c.Global
	c.RoomServer.Matrix = &c.Global
}

// check returns an error type containing all errors found within the config
// file.
func (c *FedCore) check() error { // monolithic
	var configErrs ConfigErrors

	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"unknown config version %q, expected %q",
			fmt.Sprint(c.Version), fmt.Sprint(Version),
		))
		return configErrs
	}

	c.Verify(&configErrs)

	// Due to how Golang manages its interface types, this condition is not redundant.
	// In order to get the proper behaviour, it is necessary to return an explicit nil
	// and not a nil configErrors.
	// This is because the following equality is false:
	// error(nil) == error(ConfigErrors(nil))
	if configErrs != nil {
		return error(configErrs)
	}
	return nil
}

// absPath returns the absolute path for a given relative or absolute path.
func absPath(dir string, path Path) string {
	if filepath.IsAbs(string(path)) {
		// filepath.Join cleans the path so we should clean the absolute paths as well for consistency.
		return filepath.Clean(string(path))
	}
	return filepath.Join(dir, string(path))
}

func readKeyPEM(path string, data []byte, enforceKeyIDFormat bool) (gomatrixserverlib.KeyID, ed25519.PrivateKey, error) {
	for {
		var keyBlock *pem.Block
		keyBlock, data = pem.Decode(data)
		if data == nil {
			return "", nil, fmt.Errorf("no matrix private key PEM data in %q", path)
		}
		if keyBlock == nil {
			return "", nil, fmt.Errorf("keyBlock is nil %q", path)
		}
		if keyBlock.Type == "MATRIX PRIVATE KEY" {
			keyID := keyBlock.Headers["Key-ID"]
			if keyID == "" {
				return "", nil, fmt.Errorf("missing key ID in PEM data in %q", path)
			}
			if !strings.HasPrefix(keyID, "ed25519:") {
				return "", nil, fmt.Errorf("key ID %q doesn't start with \"ed25519:\" in %q", keyID, path)
			}
			if enforceKeyIDFormat && !keyIDRegexp.MatchString(keyID) {
				return "", nil, fmt.Errorf("key ID %q in %q contains illegal characters (use a-z, A-Z, 0-9 and _ only)", keyID, path)
			}
			_, privKey, err := ed25519.GenerateKey(bytes.NewReader(keyBlock.Bytes))
			if err != nil {
				return "", nil, err
			}
			return gomatrixserverlib.KeyID(keyID), privKey, nil
		}
	}
}

// WriteMatrixKey writes a PEM encoded ed25519 seed under keyID to w.
func WriteMatrixKey(w io.Writer, keyID gomatrixserverlib.KeyID, seed []byte) error {
	return pem.Encode(w, &pem.Block{
		Type: "MATRIX PRIVATE KEY",
		Headers: map[string]string{
			"Key-ID": string(keyID),
		},
		Bytes: seed,
	})
}

// Add appends an error to the list of errors in this configErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized configErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// configErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies that a given value is positive.
// If it is, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
