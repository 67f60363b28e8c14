package config

import (
	"strings"

	"tessera/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch re-reads the config file on change and applies the log level live.
// Only the log level is hot-reloadable; everything else needs a restart.
func Watch(path string) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warnf("config: watch disabled, initial read failed: %v", err)
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		level := strings.TrimSpace(v.GetString("app.log_level"))
		if level == "" {
			return
		}
		logger.SetLevel(level)
		logger.Infof("config: log level reloaded to %s", level)
	})
	v.WatchConfig()
}
