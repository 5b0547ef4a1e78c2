// Package logging is the parklink structured logger, a thin layer over
// go.uber.org/zap that keeps a message-plus-key/value call style:
//
//	logger.Info("gate connected", "site_ip", "10.0.0.7")
//
// Every entry carries service and version fields. The logging section of
// config.yaml selects the level (debug, info, warn, error), the encoding
// ("json" or "text") and the stream (stdout or stderr). Bridges derive
// component loggers with Named and With.
//
// Sensor userPW values are credentials and must never be passed as fields.
package logging
