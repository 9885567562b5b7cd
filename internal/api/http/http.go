package http

type Config struct {
	Port           uint   `mapstructure:"port"`
	AllowedIPs     string `mapstructure:"allowed_ips"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
}
