package configx

import (
	"fmt"
	"strconv"
	"strings"
)

// ApplyKV sets one `key=value` pair from a preset file onto the settings.
// Keys mirror the long flag names without the leading dashes; repeatable
// flags (pattern, alert-domain) append.
func ApplyKV(s *Settings, key, value string) error {
	switch key {
	case "pattern":
		if value != "" {
			s.Patterns = append(s.Patterns, value)
		}
	case "descendants":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.IncludeDescendants = b
	case "no-descendants":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.IncludeDescendants = !b
	case "udp":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.IncludeUDP = b
	case "listening":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.IncludeListening = b
	case "interval-ms":
		return parseIntInto(value, &s.IntervalMS)
	case "stats-interval-ms":
		return parseIntInto(value, &s.StatsIntervalMS)
	case "domain-mode":
		switch DomainMode(strings.ToLower(value)) {
		case DomainModePTR:
			s.DomainMode = DomainModePTR
		case DomainModeOff:
			s.DomainMode = DomainModeOff
		default:
			return fmt.Errorf("domain-mode %q: want %q or %q", value, DomainModePTR, DomainModeOff)
		}
	case "no-dns":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		if b {
			s.DomainMode = DomainModeOff
		}
	case "dns-timeout-ms":
		return parseIntInto(value, &s.DNSTimeoutMS)
	case "json":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.JSONOutput = b
	case "no-sqlite":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.StoreEnabled = !b
	case "db-path":
		s.StorePath = value
	case "no-banner":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.Banner = !b
	case "capture":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.CaptureEnabled = b
	case "capture-device":
		s.CaptureDevice = value
	case "metrics-addr":
		s.MetricsAddr = value
	case "session-name":
		s.SessionName = value
	case "alert-domain":
		if value != "" {
			s.Alerts.DomainGlobs = append(s.Alerts.DomainGlobs, value)
		}
	case "alert-max-connections":
		return parseIntInto(value, &s.Alerts.MaxConnections)
	case "alert-max-per-provider":
		return parseIntInto(value, &s.Alerts.MaxPerProvider)
	case "alert-duration-ms":
		return parseIntInto(value, &s.Alerts.DurationMS)
	case "alert-unknown-domain":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.Alerts.UnknownDomain = b
	case "alert-bell":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.Alerts.Bell = b
	case "alert-cooldown-ms":
		return parseIntInto(value, &s.Alerts.CooldownMS)
	case "no-alerts":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.Alerts.Disabled = b
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

func parseBool(v string) (bool, error) {
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return false, fmt.Errorf("expected a boolean, got %q", v)
	}
	return b, nil
}

func parseIntInto(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("expected an integer, got %q", v)
	}
	if n < 0 {
		return fmt.Errorf("expected a non-negative integer, got %d", n)
	}
	*dst = n
	return nil
}
