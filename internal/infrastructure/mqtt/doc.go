// Package mqtt connects parklink to an MQTT broker.
//
// The broker is the downstream notification channel: status transitions
// and decoded device events are published under parklink/{site}/..., and
// device commands from the business layer arrive on the command topics.
// The client reconnects automatically, restores subscriptions and keeps a
// retained online/offline message with a Last Will for crash detection.
package mqtt
