package ui

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator"
	"github.com/spf13/viper"
)

var errNoConfigFile = fmt.Errorf("no config file loaded")

type Config struct {
	// logger environment: prod|dev (anything else builds a quiet dev logger)
	Env string `yaml:"env"`
	// where concordance cache files are stored (a subdirectory per corpus)
	CacheRoot string `validate:"required,path_exists" yaml:"cache_root"`
	// corpus registry files; a registry newer than the cache invalidates it.
	// Optional: empty disables the staleness check.
	RegistryRoot string `yaml:"registry_root"`
	// where the archive head database and read-only replicas live
	ArchiveDir string `validate:"required,path_exists" yaml:"archive_dir"`
	// redis connection
	RedisAddr string `validate:"required" yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	// persisted query TTLs per user class (days)
	TTLAnonymousDays int `yaml:"ttl_anonymous_days"`
	TTLKnownDays     int `yaml:"ttl_known_days"`
	// the pseudo-user anonymous queries belong to
	AnonymousUserID int `yaml:"anonymous_user_id"`
	// how long unread anonymous archive rows survive (days)
	AnonymousRetentionDays int `yaml:"anonymous_retention_days"`
	// archiver batch bound
	ArchiveBatchSize int `yaml:"archive_batch_size"`
	// un-named history entries kept per user
	HistoryMaxUnnamed int `yaml:"history_max_unnamed"`
}

var DefaultCfg = Config{
	Env:                    "prod",
	CacheRoot:              "./cache",
	ArchiveDir:             "./archive",
	RedisAddr:              "127.0.0.1:6379",
	TTLAnonymousDays:       7,
	TTLKnownDays:           100,
	AnonymousUserID:        0,
	AnonymousRetentionDays: 90,
	ArchiveBatchSize:       500,
	HistoryMaxUnnamed:      100,
}

func LoadConfig() (Config, error) {
	cfg := DefaultCfg

	viper.AddConfigPath(".")
	viper.SetConfigName("concord")

	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, errNoConfigFile
		}
		return cfg, fmt.Errorf("unable to use config file: %w", err)
	}

	if err = viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unable to decode into config struct: %w", err)
	}
	return cfg, nil
}

// Validate is the final check after all overrides are done (file load, command arguments substituted)
func (cfg Config) Validate() error {
	translateError := func(e validator.FieldError) string {
		switch e.ActualTag() {
		case "path_exists":
			return fmt.Sprintf("path \"%v\" does not exist", e.Value())
		case "required":
			return "value is empty"
		default:
			return fmt.Sprintf("invalid value (%s)", e.Tag())
		}
	}

	cfgValidate := validator.New()

	err := cfgValidate.RegisterValidation(
		"path_exists", func(fl validator.FieldLevel) bool {
			path := fl.Field().String()
			if !filepath.IsAbs(path) {
				cwd, _ := os.Getwd()
				path = filepath.Join(cwd, path)
			}
			_, err := os.Stat(path)
			return err == nil
		},
	)
	if err != nil {
		return err
	}

	err = cfgValidate.Struct(cfg)
	if err != nil {
		message := "Invalid config values:\n"
		for _, err := range err.(validator.ValidationErrors) {
			message += fmt.Sprintf("> %v: %s\n", err.StructField(), translateError(err))
		}
		return fmt.Errorf("%s", message)
	}

	return nil
}
