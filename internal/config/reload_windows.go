//go:build windows

package config

// registerSignalHandler is a no-op on Windows, where SIGHUP does not
// exist; the fsnotify watcher remains the only reload trigger.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("SIGHUP unavailable on Windows, config reload uses the file watcher only")
}
