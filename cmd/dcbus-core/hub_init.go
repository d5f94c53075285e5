package main

import (
	"log/slog"

	"github.com/kstaniek/go-dcbus/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.SetLogger(l)
	h.ClientBuffer = cfg.hubBuffer
	p, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", p.String())
	}
	h.Policy = p
	l.Info("hub_config", "policy", p.String(), "buffer", h.ClientBuffer)
	return h
}
