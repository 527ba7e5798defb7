package configx

import "time"

// ProviderMode controls how a TOML source combines with the taxonomy built so far.
type ProviderMode string

const (
	ModeMerge   ProviderMode = "merge"
	ModeReplace ProviderMode = "replace"
)

// DomainMode selects the DNS resolution strategy for remote addresses.
type DomainMode string

const (
	DomainModePTR DomainMode = "ptr"
	DomainModeOff DomainMode = "off"
)

// AlertSettings carries the optional alert rule thresholds. Zero values
// (empty list, 0, false) mean the rule is disabled.
type AlertSettings struct {
	DomainGlobs    []string
	MaxConnections int
	MaxPerProvider int
	DurationMS     int
	UnknownDomain  bool
	Bell           bool
	CooldownMS     int
	Disabled       bool
}

// Cooldown returns the effective cooldown window.
func (a AlertSettings) Cooldown() time.Duration {
	if a.CooldownMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.CooldownMS) * time.Millisecond
}

// Enabled reports whether any rule is configured and evaluation is not disabled.
func (a AlertSettings) Enabled() bool {
	if a.Disabled {
		return false
	}
	return len(a.DomainGlobs) > 0 || a.MaxConnections > 0 || a.MaxPerProvider > 0 ||
		a.DurationMS > 0 || a.UnknownDomain
}

// Settings is the effective, frozen configuration record the resolver
// produces. No component mutates it after session start.
type Settings struct {
	Patterns           []string
	IncludeDescendants bool
	IncludeUDP         bool
	IncludeListening   bool

	IntervalMS      int
	StatsIntervalMS int

	DomainMode   DomainMode
	DNSTimeoutMS int

	JSONOutput  bool
	TextOutput  bool
	Banner      bool
	Once        bool
	SessionName string

	StoreEnabled bool
	StorePath    string

	CaptureEnabled bool
	CaptureDevice  string

	MetricsAddr string

	Alerts AlertSettings
}

// Interval returns the polling interval as a duration.
func (s Settings) Interval() time.Duration {
	if s.IntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(s.IntervalMS) * time.Millisecond
}

// StatsInterval returns the stats emission interval as a duration.
func (s Settings) StatsInterval() time.Duration {
	if s.StatsIntervalMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.StatsIntervalMS) * time.Millisecond
}

// DNSTimeout returns the per-query resolver timeout.
func (s Settings) DNSTimeout() time.Duration {
	if s.DNSTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(s.DNSTimeoutMS) * time.Millisecond
}

// DefaultSettings returns the compiled-in settings layer.
func DefaultSettings() Settings {
	return Settings{
		IncludeDescendants: true,
		IntervalMS:         1000,
		StatsIntervalMS:    60000,
		DomainMode:         DomainModePTR,
		DNSTimeoutMS:       2000,
		TextOutput:         true,
		Banner:             true,
		StoreEnabled:       true,
	}
}

// Resolved is the immutable output of the config resolver: the effective
// settings plus the provider taxonomy snapshot handed to the tracker.
type Resolved struct {
	Settings Settings
	Taxonomy *Taxonomy

	// Sources lists the configuration files that contributed, lowest
	// precedence first, for diagnostics and the config subcommand.
	Sources []Source
}

// Source records one configuration input that was consulted.
type Source struct {
	Layer int
	Path  string
	// Applied is false when the file was missing or skipped after a parse error.
	Applied bool
	Err     error
}
