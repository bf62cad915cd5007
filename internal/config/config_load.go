package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

const (
	envPrefix      = "MESHGATE_"
	defaultDirName = ".meshgate"
)

// Dir returns the gateway's state directory, creating it if needed.
func Dir() (string, error) {
	if custom := os.Getenv(envPrefix + "DIR"); custom != "" {
		if err := os.MkdirAll(custom, 0o755); err != nil {
			return "", fmt.Errorf("create state dir: %w", err)
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, defaultDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Path returns the config file location without touching the filesystem.
func Path() string {
	if custom := os.Getenv(envPrefix + "CONFIG"); custom != "" {
		return custom
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "meshgate.json"
	}
	return filepath.Join(home, defaultDirName, "meshgate.json")
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Default returns a config with the built-in defaults applied.
func Default() *Config {
	return &Config{}
}

// Load reads the config file (JSON5: comments and trailing commas allowed)
// and applies environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	cfg := Default()
	path := Path()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides fills empty fields of the base (default) account from
// MESHGATE_* environment variables. Env never overwrites explicit config.
func applyEnvOverrides(cfg *Config) {
	m := &cfg.Channels.Meshtastic
	setIfEmpty := func(dst *string, key string) {
		if *dst == "" {
			if v := os.Getenv(envPrefix + key); v != "" {
				*dst = v
			}
		}
	}
	if m.Transport == "" {
		if v := os.Getenv(envPrefix + "TRANSPORT"); v != "" {
			m.Transport = Transport(v)
		}
	}
	setIfEmpty(&m.SerialPort, "SERIAL_PORT")
	setIfEmpty(&m.TCPAddress, "TCP_ADDRESS")
	setIfEmpty(&m.NodeName, "NODE_NAME")
	setIfEmpty(&m.Region, "REGION")
	setIfEmpty(&m.DMPolicy, "DM_POLICY")
	setIfEmpty(&m.DefaultTo, "DEFAULT_TO")

	mqttEnv := map[string]string{
		"MQTT_BROKER":   os.Getenv(envPrefix + "MQTT_BROKER"),
		"MQTT_USERNAME": os.Getenv(envPrefix + "MQTT_USERNAME"),
		"MQTT_PASSWORD": os.Getenv(envPrefix + "MQTT_PASSWORD"),
		"MQTT_TOPIC":    os.Getenv(envPrefix + "MQTT_TOPIC"),
	}
	any := false
	for _, v := range mqttEnv {
		if v != "" {
			any = true
		}
	}
	if any {
		if m.MQTT == nil {
			m.MQTT = &MQTTConfig{}
		}
		setFromMap := func(dst *string, key string) {
			if *dst == "" && mqttEnv[key] != "" {
				*dst = mqttEnv[key]
			}
		}
		setFromMap(&m.MQTT.Broker, "MQTT_BROKER")
		setFromMap(&m.MQTT.Username, "MQTT_USERNAME")
		setFromMap(&m.MQTT.Password, "MQTT_PASSWORD")
		setFromMap(&m.MQTT.Topic, "MQTT_TOPIC")
	}
}

// Save writes the config back as pretty-printed JSON with a tight mode.
func Save(cfg *Config) error {
	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Watch reloads the config whenever the file changes on disk and invokes
// onReload with the fresh copy. It returns a stop function.
func Watch(log *slog.Logger, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	path := Path()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load()
				if err != nil {
					log.Warn("config reload failed", "error", err)
					continue
				}
				log.Info("config reloaded", "path", path)
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return func() {
		close(done)
		watcher.Close()
	}, nil
}
