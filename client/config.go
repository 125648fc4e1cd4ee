package client

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// Config carries the optional index overrides read from a pip.conf-style
// document. The zero value means "public index, direct connection".
type Config struct {
	IndexURL string
	Proxy    string
}

// LoadConfig reads the [global] section of an ini-style config file.
// A missing file is not an error; it yields the zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Config{}, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	global := file.Section("global")
	return Config{
		IndexURL: strings.TrimSuffix(global.Key("index-url").String(), "/"),
		Proxy:    global.Key("proxy").String(),
	}, nil
}
