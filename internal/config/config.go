// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the parameters of a collection run from a YAML
// file, the environment and command line flags, in increasing order of
// precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/matta/gmailcollect/internal/homedir"
	"github.com/matta/gmailcollect/internal/message"
	"github.com/matta/gmailcollect/internal/runlog"
)

// EnvPrefix prefixes the environment variables that override
// configuration keys: GMAILCOLLECT_MAX_RETRIES sets max_retries,
// GMAILCOLLECT_POSTMAN_EMAIL sets postman.email.
const EnvPrefix = "GMAILCOLLECT"

// Token store kinds.
const (
	TokenStoreFile    = "file"
	TokenStoreKeyring = "keyring"
)

var dateLayouts = []string{"2006-01-02", "2006/01/02"}

// Query is one entry of search_queries.
type Query struct {
	Query      string `mapstructure:"query"`
	StartDate  string `mapstructure:"start_date"`
	EndDate    string `mapstructure:"end_date"`
	MaxResults int    `mapstructure:"max_results"`
}

// Postman configures the mail account and where its mail is written.
type Postman struct {
	Email               string `mapstructure:"email"`
	SecretFilePath      string `mapstructure:"secret_file_path"`
	TokenStore          string `mapstructure:"token_store"`
	KeyringDir          string `mapstructure:"keyring_dir"`
	APIKey              string `mapstructure:"api_key"`
	MailDumpFolder      string `mapstructure:"mail_dump_folder"`
	MetadataDumpFolder  string `mapstructure:"metadata_dump_folder"`
	DownloadAttachments bool   `mapstructure:"download_attachments"`
}

// Config is a validated run configuration.
type Config struct {
	RunName        string        `mapstructure:"run_name"`
	SearchQueries  []Query       `mapstructure:"search_queries"`
	Postman        Postman       `mapstructure:"postman"`
	SleepTime      time.Duration `mapstructure:"sleep_time"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetrySleepTime time.Duration `mapstructure:"retry_sleep_time"`
	LogFolder      string        `mapstructure:"log_folder"`

	// Empty disables the catalog.
	CatalogPath string `mapstructure:"catalog_path"`

	// Queries holds SearchQueries, parsed.
	Queries []message.SearchQuery `mapstructure:"-"`
}

// NewViper returns a viper instance with every key's default set and
// environment overrides enabled.  Callers bind flags to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("run_name", "gmail_collect")
	v.SetDefault("postman.email", "")
	v.SetDefault("postman.secret_file_path", "./secrets/gmail_API_client_secret.json")
	v.SetDefault("postman.token_store", TokenStoreFile)
	v.SetDefault("postman.keyring_dir", "~/.config/gmailcollect/keyring")
	v.SetDefault("postman.api_key", "")
	v.SetDefault("postman.mail_dump_folder", "./mount/emails")
	v.SetDefault("postman.metadata_dump_folder", "./mount/metadata")
	v.SetDefault("postman.download_attachments", false)
	v.SetDefault("sleep_time", 10*time.Millisecond)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_sleep_time", 5*time.Second)
	v.SetDefault("log_folder", "./mount/logs")
	v.SetDefault("catalog_path", "")
	return v
}

// Load reads the YAML file at path, if path is not empty, and returns
// the validated configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	if len(c.SearchQueries) == 0 {
		c.SearchQueries = []Query{{}}
	}
	if err := c.expandPaths(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return c, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Postman.SecretFilePath,
		&c.Postman.KeyringDir,
		&c.Postman.MailDumpFolder,
		&c.Postman.MetadataDumpFolder,
		&c.LogFolder,
		&c.CatalogPath,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func (c *Config) validate() error {
	if c.MaxRetries < 1 {
		return errors.Errorf("max_retries is %d; it must be at least 1", c.MaxRetries)
	}
	if c.SleepTime < 0 {
		return errors.Errorf("sleep_time is negative: %v", c.SleepTime)
	}
	if c.RetrySleepTime < 0 {
		return errors.Errorf("retry_sleep_time is negative: %v", c.RetrySleepTime)
	}
	switch c.Postman.TokenStore {
	case TokenStoreFile, TokenStoreKeyring:
	default:
		return errors.Errorf("unknown postman.token_store %q; want %q or %q",
			c.Postman.TokenStore, TokenStoreFile, TokenStoreKeyring)
	}
	if c.Postman.MailDumpFolder == "" || c.Postman.MetadataDumpFolder == "" || c.LogFolder == "" {
		return errors.New("postman.mail_dump_folder, postman.metadata_dump_folder and log_folder must be set")
	}

	c.Queries = make([]message.SearchQuery, 0, len(c.SearchQueries))
	for i, q := range c.SearchQueries {
		sq, err := q.parse()
		if err != nil {
			return errors.Wrapf(err, "search_queries[%d]", i)
		}
		c.Queries = append(c.Queries, sq)
	}
	return nil
}

func (q Query) parse() (message.SearchQuery, error) {
	sq := message.SearchQuery{Text: q.Query, MaxResults: q.MaxResults}
	if q.MaxResults < 0 {
		return sq, errors.Errorf("max_results is negative: %d", q.MaxResults)
	}
	var err error
	if sq.Start, err = ParseDate(q.StartDate); err != nil {
		return sq, errors.Wrap(err, "start_date")
	}
	if sq.End, err = ParseDate(q.EndDate); err != nil {
		return sq, errors.Wrap(err, "end_date")
	}
	if sq.Start != nil && sq.End != nil && sq.End.Before(*sq.Start) {
		return sq, errors.Errorf("end_date %s is before start_date %s", q.EndDate, q.StartDate)
	}
	return sq, nil
}

// ParseDate parses YYYY-MM-DD or YYYY/MM/DD.  The empty string means
// no date.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, errors.Errorf("cannot parse date %q; want YYYY-MM-DD or YYYY/MM/DD", s)
}

// Plan returns the run snapshot recorded in the run folder.
func (c *Config) Plan() runlog.Plan {
	return runlog.Plan{
		RunName:       c.RunName,
		SearchQueries: runlog.NewQueries(c.Queries),
		Postman: runlog.Postman{
			Email:               c.Postman.Email,
			SecretFilePath:      c.Postman.SecretFilePath,
			TokenStore:          c.Postman.TokenStore,
			MailDumpFolder:      c.Postman.MailDumpFolder,
			MetadataDumpFolder:  c.Postman.MetadataDumpFolder,
			DownloadAttachments: c.Postman.DownloadAttachments,
		},
		SleepTime:      c.SleepTime.String(),
		MaxRetries:     c.MaxRetries,
		RetrySleepTime: c.RetrySleepTime.String(),
		LogFolder:      c.LogFolder,
	}
}
