// Package label maps container metadata labels to routing intent.
//
// Grounded on bnema/gordon's internal/proxy/routes_helpers.go label
// scanning and internal/templating/cmdparams label conventions, with
// the key scheme replaced by the single reserved prefix spec.md §4.1
// requires.
package label

import (
	"strconv"
	"strings"

	"github.com/bnema/harborgate/internal/harborlog"
)

// Prefix is the sole reserved label namespace the Label Parser
// recognises.
const Prefix = "harborgate"

// RouteIntent is the structured result of parsing one container's
// label map.
type RouteIntent struct {
	Enable        bool
	Host          string
	Port          int
	TLS           bool
	AuthRequired  bool
	RequiredRoles []string
}

var log = harborlog.Component("label")

// Parse converts a container's label map into a RouteIntent.
// Malformed fields degrade to defaults and are logged; Parse never
// returns an error (spec.md §4.1).
func Parse(containerID string, labels map[string]string) RouteIntent {
	intent := RouteIntent{TLS: true}

	intent.Enable = parseBool(containerID, labels[key("enable")], false)

	if host := strings.ToLower(strings.TrimSpace(labels[key("host")])); host != "" {
		intent.Host = host
	} else if intent.Enable {
		log.Warn("container enabled but host label missing or empty",
			"container", harborlog.ShortID(containerID))
	}

	if raw := strings.TrimSpace(labels[key("port")]); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			log.Warn("invalid port label, ignoring",
				"container", harborlog.ShortID(containerID), "value", raw)
		} else {
			intent.Port = port
		}
	}

	intent.TLS = parseBool(containerID, labels[key("tls")], true)
	intent.AuthRequired = parseBool(containerID, labels[key("auth.enable")], false)

	if raw := labels[key("auth.roles")]; raw != "" {
		for _, role := range strings.Split(raw, ",") {
			role = strings.TrimSpace(role)
			if role != "" {
				intent.RequiredRoles = append(intent.RequiredRoles, role)
			}
		}
	}

	return intent
}

func key(suffix string) string {
	return Prefix + "." + suffix
}

func parseBool(containerID, value string, def bool) bool {
	if value == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		log.Warn("invalid boolean label, using default",
			"container", harborlog.ShortID(containerID), "value", value, "default", def)
		return def
	}
}
