// Package config loads the host process's environment-derived
// configuration, grounded on the teacher's pkg/config.CliConfig: a flat
// struct processed with kelseyhightower/envconfig rather than flags or
// a config file, since everything here is operational wiring (ports,
// paths) rather than domain state, which already lives in
// configstore.Store.
package config

import "github.com/kelseyhightower/envconfig"

// HostConfig is the process-level configuration for the emberd daemon.
type HostConfig struct {
	ConfigPath    string `envconfig:"EMBER_CONFIG_PATH" default:"/etc/ember/config.json"`
	AdvertiseHost string `envconfig:"EMBER_ADVERTISE_HOST" default:"127.0.0.1"`
	HTTPPort      int    `envconfig:"EMBER_HTTP_PORT" default:"47989"`
	HTTPSPort     int    `envconfig:"EMBER_HTTPS_PORT" default:"47984"`
	RTSPPort      int    `envconfig:"EMBER_RTSP_PORT" default:"48010"`
	LogLevel      string `envconfig:"EMBER_LOG_LEVEL" default:"info"`
}

// Load processes the environment into a HostConfig.
func Load() (HostConfig, error) {
	var cfg HostConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}
