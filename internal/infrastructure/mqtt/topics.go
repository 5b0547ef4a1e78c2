package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every parklink topic.
const TopicPrefix = "parklink"

// Topics builds site-scoped topics:
//
//	parklink/{site}/status/{endpointId}     connectivity transitions
//	parklink/{site}/events/{kind}           decoded device events
//	parklink/{site}/command/{protocol}/{id} inbound device commands
//	parklink/{site}/system/status           retained online/offline
type Topics struct {
	SiteID string
}

func (t Topics) root() string {
	return fmt.Sprintf("%s/%s", TopicPrefix, t.SiteID)
}

// Scoped prefixes a relative topic such as "status/12" with the site root.
func (t Topics) Scoped(relative string) string {
	return t.root() + "/" + strings.TrimPrefix(relative, "/")
}

// SystemStatus returns the retained online/offline topic.
func (t Topics) SystemStatus() string {
	return t.root() + "/system/status"
}

// Command returns the command topic for one device.
func (t Topics) Command(protocol, id string) string {
	return fmt.Sprintf("%s/command/%s/%s", t.root(), protocol, id)
}

// AllCommands returns the wildcard matching every command for a protocol.
func (t Topics) AllCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/+", t.root(), protocol)
}

// CommandTarget extracts the device id from a concrete command topic.
func (t Topics) CommandTarget(protocol, topic string) (string, bool) {
	prefix := fmt.Sprintf("%s/command/%s/", t.root(), protocol)
	id, ok := strings.CutPrefix(topic, prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
