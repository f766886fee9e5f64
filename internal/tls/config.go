package tls

// Config selects the certificate the status server presents. Either
// CertFile/KeyFile or Dir must be set; with AutoGenerate a self-signed pair
// is written to Dir when none exists.
type Config struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	MinVersion   string `mapstructure:"min_version"` // "1.2" or "1.3" (default)
	MaxVersion   string `mapstructure:"max_version"`
}

// Enabled reports whether any certificate source is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.Dir != "" || c.AutoGenerate
}
