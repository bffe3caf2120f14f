package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/phinix/internal/auth"
	"github.com/pelletier/go-toml/v2"
)

const (
	KindServer = "server"
	KindClient = "client"
)

// Template renders the defaults for kind as TOML, with a placeholder secret
// so the result loads as-is.
func Template(kind string) (string, error) {
	var v any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindServer:
		cfg := DefaultServer()
		cfg.Keys = []auth.KeyEntry{{Key: "change-me", Username: "operator"}}
		v = cfg.file()
	case KindClient:
		cfg := DefaultClient()
		cfg.Name = "phinixctl"
		cfg.Key = "change-me"
		v = cfg.file()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	b, err := toml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(b), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate strictly checks path for kind, then loads it.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindServer:
		if err := CheckStrict(path, &ServerFile{}); err != nil {
			return err
		}
		_, err := LoadServer(path)
		return err
	case KindClient:
		if err := CheckStrict(path, &ClientFile{}); err != nil {
			return err
		}
		_, err := LoadClient(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}
