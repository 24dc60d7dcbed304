package config

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the installer settings. Everything has a working default so
// the helper runs without a config file on a stock desktop.
type Config struct {
	InstallURL         string `mapstructure:"install_url" yaml:"install_url"`
	Referer            string `mapstructure:"referer" yaml:"referer"`
	Username           string `mapstructure:"username" yaml:"username"`
	HostKeyMD5         string `mapstructure:"host_key_md5" yaml:"host_key_md5"`
	TLSCAFile          string `mapstructure:"tls_ca_file" yaml:"tls_ca_file"`
	TLSCertFile        string `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile         string `mapstructure:"tls_key_file" yaml:"tls_key_file"`
	StagingDir         string `mapstructure:"staging_dir" yaml:"staging_dir"`
	LibDir             string `mapstructure:"lib_dir" yaml:"lib_dir"`
	PackageDomain      string `mapstructure:"package_domain" yaml:"package_domain"`
	MetadataFile       string `mapstructure:"metadata_file" yaml:"metadata_file"`
	InstallScript      string `mapstructure:"install_script" yaml:"install_script"`
	EscalationTool     string `mapstructure:"escalation_tool" yaml:"escalation_tool"`
	ViewerPackage      string `mapstructure:"viewer_package" yaml:"viewer_package"`
	NetworkPollSeconds int    `mapstructure:"network_poll_seconds" yaml:"network_poll_seconds"`
	HTTPTimeoutSeconds int    `mapstructure:"http_timeout_seconds" yaml:"http_timeout_seconds"`
	LogLevel           string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat          string `mapstructure:"log_format" yaml:"log_format"`
	LogFile            string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB       int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups      int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	FeedListen         string `mapstructure:"feed_listen" yaml:"feed_listen"`
	AuditFile          string `mapstructure:"audit_file" yaml:"audit_file"`
}

func Default() *Config {
	return &Config{
		InstallURL:         "https://cdn.hancom.com/pds/hnc/VIE",
		Referer:            "https://www.hancom.com/cs_center",
		Username:           "HancomGooroom",
		StagingDir:         "/var/tmp",
		LibDir:             "/usr/lib",
		PackageDomain:      "hancom-viewer-installer",
		MetadataFile:       "viewer-installer-infos.json",
		InstallScript:      "hancom-viewer-install",
		EscalationTool:     "pkexec",
		ViewerPackage:      "hoffice-hwpviewer",
		NetworkPollSeconds: 5,
		HTTPTimeoutSeconds: 0,
		LogLevel:           "info",
		LogFormat:          "text",
		LogMaxSizeMB:       10,
		LogMaxBackups:      3,
		FeedListen:         "127.0.0.1:8470",
	}
}

// Load reads cfgFile (or installer.yaml from the usual locations) on top of
// the defaults. Environment variables prefixed with VIEWER_INSTALLER_
// override file values. A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("installer")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VIEWER_INSTALLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindDefaults registers every key with viper so AutomaticEnv can resolve
// it even when no config file mentions it.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("install_url", cfg.InstallURL)
	v.SetDefault("referer", cfg.Referer)
	v.SetDefault("username", cfg.Username)
	v.SetDefault("host_key_md5", cfg.HostKeyMD5)
	v.SetDefault("tls_ca_file", cfg.TLSCAFile)
	v.SetDefault("tls_cert_file", cfg.TLSCertFile)
	v.SetDefault("tls_key_file", cfg.TLSKeyFile)
	v.SetDefault("staging_dir", cfg.StagingDir)
	v.SetDefault("lib_dir", cfg.LibDir)
	v.SetDefault("package_domain", cfg.PackageDomain)
	v.SetDefault("metadata_file", cfg.MetadataFile)
	v.SetDefault("install_script", cfg.InstallScript)
	v.SetDefault("escalation_tool", cfg.EscalationTool)
	v.SetDefault("viewer_package", cfg.ViewerPackage)
	v.SetDefault("network_poll_seconds", cfg.NetworkPollSeconds)
	v.SetDefault("http_timeout_seconds", cfg.HTTPTimeoutSeconds)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("feed_listen", cfg.FeedListen)
	v.SetDefault("audit_file", cfg.AuditFile)
}

// MetadataPath is the package description shipped next to the install script.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.LibDir, c.PackageDomain, c.MetadataFile)
}

// ScriptPath is the privileged install script handed to the escalation tool.
func (c *Config) ScriptPath() string {
	return filepath.Join(c.LibDir, c.PackageDomain, c.InstallScript)
}

// StagingPath is where fileName is downloaded before installation.
func (c *Config) StagingPath(fileName string) string {
	return filepath.Join(c.StagingDir, fileName)
}

func configDir() string {
	return "/etc/viewer-installer"
}
