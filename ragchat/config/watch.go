package config

import (
	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives the re-read configuration, or the error that kept
// it from loading.
type ChangeHandler func(cfg *Config, err error, event fsnotify.Event)

// Watch re-reads the config file whenever it changes and hands the result
// to onChange. It reports false when no config file is in use.
func (l *Loader) Watch(onChange ChangeHandler) bool {
	if l.v.ConfigFileUsed() == "" {
		return false
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		onChange(cfg, err, e)
	})
	l.v.WatchConfig()
	return true
}
