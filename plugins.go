package main

import (
	"github.com/scalecode-solutions/mvirc/config"
	"github.com/scalecode-solutions/mvirc/plugin"
	"github.com/scalecode-solutions/mvirc/signal"
)

// pluginHost is the daemon as plugins see it.
type pluginHost struct {
	bus *signal.Bus
	hub *Hub
	cfg *config.Config
}

var _ plugin.Host = (*pluginHost)(nil)

func (h *pluginHost) Bus() *signal.Bus     { return h.bus }
func (h *pluginHost) SessionCount() int    { return h.hub.SessionCount() }
func (h *pluginHost) RegisteredCount() int { return h.hub.RegisteredCount() }

func (h *pluginHost) Settings(name string) map[string]string {
	settings := make(map[string]string, len(h.cfg.Plugins.Settings[name]))
	for k, v := range h.cfg.Plugins.Settings[name] {
		settings[k] = v
	}
	return settings
}
