// Package config loads the parklink daemon configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// PARKLINK_* environment variables. Load validates the result, so a
// returned *Config is always usable. Device timing fields (stale
// threshold, heartbeat, sweep intervals) are time.Duration and accept
// strings such as "90s" or "3h" in YAML.
//
// Secrets such as the MQTT password and InfluxDB token are best supplied
// through the environment rather than the file.
package config
