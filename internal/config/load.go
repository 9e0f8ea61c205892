package config

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/AutoQASpace/emcee-queueserver/internal/platform/logger"
)

// Load reads the TOML configuration file at path, applies defaults for
// anything it omits, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("EMCEE_QUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrapf(err, "config: reading %s", path)
	}

	// The TextUnmarshaller hook is what lets "30s"-style strings land in
	// the Duration fields; viper's default hooks only know time.Duration.
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.TextUnmarshallerHookFunc())); err != nil {
		return Config{}, errors.Wrapf(err, "config: unmarshaling %s", path)
	}

	cfg = withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AllowlistWatcher watches a config file for changes to workerIds and
// hands each new list to onChange. The allow-list is the one field that
// plausibly changes across a long-running queue lifetime; everything
// else is read once at boot via Load.
type AllowlistWatcher struct {
	v        *viper.Viper
	log      *logger.Logger
	mu       sync.Mutex
	onChange func([]string)
}

// WatchAllowlist starts watching path and invokes onChange immediately
// with the current workerIds, then again on every subsequent edit to the
// file. The returned watcher's underlying fsnotify watcher is closed when
// the process exits; there's no explicit Stop because the queue server
// only ever loads one configuration file for its entire lifetime.
func WatchAllowlist(path string, log *logger.Logger, onChange func([]string)) (*AllowlistWatcher, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}

	w := &AllowlistWatcher{v: v, log: log, onChange: onChange}
	onChange(v.GetStringSlice("workerIds"))

	v.OnConfigChange(func(e fsnotify.Event) {
		w.mu.Lock()
		defer w.mu.Unlock()
		ids := w.v.GetStringSlice("workerIds")
		w.log.Info("worker allow-list reloaded", "event", e.Op.String(), "count", len(ids))
		w.onChange(ids)
	})
	v.WatchConfig()

	return w, nil
}
