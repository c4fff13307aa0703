package common

type CommonConfig struct {
	ListenAddress   string `yaml:"listen_address"`
	PromPort        string `yaml:"prom_port"`
	HealthCheckPort string `yaml:"health_check_port"`
	PostgresConfig  string `yaml:"postgres"`
	RedisConfig     string `yaml:"redis"`
	LogLevel        string `yaml:"log_level"`
}
