package app

import (
	"strings"

	"wsched/internal/config"
	"wsched/internal/httpapi"
	"wsched/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, storage.DefaultBusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Retain:      cfg.Scheduler.ResultRetention,
	}, true, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", hc.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          strings.TrimSpace(hc.Addr),
		Pprof:         hc.Pprof,
		AllowInsecure: hc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
