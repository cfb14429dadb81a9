// Package session implements §4.J: the top-level lifecycle that owns
// torrents, bandwidth, NAT-PMP port mapping, resume persistence, and the RPC
// control surface, and drives them with the 500ms/1s/360s timers described
// in §2's Control flow. It is grounded on the teacher's ClientConfig/Client
// pairing (anacrolix/torrent's config.go and client.go): a config struct
// assembled from defaults plus overrides, owning one long-lived goroutine
// that serializes all state transitions, the way the teacher's Client holds
// one lock guarding everything reachable from it.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/log"

	"github.com/smoothmiao/transmission/bandwidth"
)

// Config is the session's settings, merged from Defaults(), an optional
// settings.json file, and caller overrides, per §4.J.
type Config struct {
	ConfigDir     string `json:"config-dir"`
	DownloadDir   string `json:"download-dir"`
	IncompleteDir string `json:"incomplete-dir"`

	PeerPort              int  `json:"peer-port"`
	PeerPortRandomOnStart bool `json:"peer-port-random-on-start"`
	PeerPortRandomLow     int  `json:"peer-port-random-low"`
	PeerPortRandomHigh    int  `json:"peer-port-random-high"`

	SpeedLimitUpBps       int64 `json:"speed-limit-up"`
	SpeedLimitDownBps     int64 `json:"speed-limit-down"`
	SpeedLimitUpEnabled   bool  `json:"speed-limit-up-enabled"`
	SpeedLimitDownEnabled bool  `json:"speed-limit-down-enabled"`

	Turtle bandwidth.Turtle `json:"alt-speed"`

	RPC RPCConfig `json:"rpc"`

	NatPmpEnabled bool `json:"port-forwarding-enabled"`

	BlocklistEnabled bool   `json:"blocklist-enabled"`
	BlocklistURL     string `json:"blocklist-url"`

	ResumeFlushInterval time.Duration `json:"-"`
	UpkeepInterval      time.Duration `json:"-"`
	TickInterval        time.Duration `json:"-"`

	Logger log.Logger `json:"-"`

	// unknown carries settings.json keys this Config does not model, so a
	// rewrite preserves them per §6's "unknown keys are preserved".
	unknown map[string]json.RawMessage
}

// RPCConfig mirrors rpc.Config's persisted fields; session wires these into
// an actual rpc.Config when it starts the server.
type RPCConfig struct {
	Enabled       bool     `json:"enabled"`
	BindAddress   string   `json:"bind-address"`
	Port          int      `json:"port"`
	URLPrefix     string   `json:"url-prefix"`
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	Whitelist     []string `json:"whitelist"`
	HostWhitelist []string `json:"host-whitelist"`
}

// Defaults returns the baseline settings named throughout §4.J, before any
// settings.json or caller override is applied.
func Defaults(configDir string) Config {
	return Config{
		ConfigDir:             configDir,
		DownloadDir:           filepath.Join(configDir, "downloads"),
		PeerPort:              51413,
		PeerPortRandomOnStart: false,
		PeerPortRandomLow:     49152,
		PeerPortRandomHigh:    65535,
		RPC: RPCConfig{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        9091,
			URLPrefix:   "/transmission/",
		},
		NatPmpEnabled:       true,
		ResumeFlushInterval: 360 * time.Second,
		UpkeepInterval:      500 * time.Millisecond,
		TickInterval:        time.Second,
		Logger:              log.Default,
	}
}

// settingsPath is the teacher's config.go equivalent of a fixed file layout:
// <config>/settings.json, per §6.
func settingsPath(configDir string) string {
	return filepath.Join(configDir, "settings.json")
}

// LoadSettingsFile overlays <configDir>/settings.json onto cfg. A missing
// file is not an error, matching §7's "missing resource is not an error"
// propagation policy for optional on-disk state. Keys the file sets that
// this Config does not model are retained in cfg.unknown for SaveSettingsFile
// to write back unchanged.
func LoadSettingsFile(cfg Config) (Config, error) {
	data, err := os.ReadFile(settingsPath(cfg.ConfigDir))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, err
	}
	known := modeledSettingsKeys()
	unknown := map[string]json.RawMessage{}
	for k, v := range raw {
		if !known[k] {
			unknown[k] = v
		}
	}
	cfg.unknown = unknown
	return cfg, nil
}

// SaveSettingsFile writes cfg to <configDir>/settings.json, write-then-rename
// as the resume store does, merging back any unknown keys captured by
// LoadSettingsFile so a rewrite never drops settings this Config doesn't
// model, per §6.
func SaveSettingsFile(cfg Config) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &merged); err != nil {
		return err
	}
	for k, v := range cfg.unknown {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}

	path := settingsPath(cfg.ConfigDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func modeledSettingsKeys() map[string]bool {
	keys := map[string]bool{}
	var cfg Config
	body, err := json.Marshal(cfg)
	if err != nil {
		return keys
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return keys
	}
	for k := range raw {
		keys[k] = true
	}
	return keys
}
