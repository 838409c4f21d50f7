// common/configloader/configloader.go
package configloader

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Options управляет источниками конфигурации.
type Options struct {
	// Path: путь к YAML-файлу; пусто → только defaults + ENV.
	Path string
	// EnvPrefix: префикс ENV переменных, например: "MARKET_STREAM".
	EnvPrefix string
	// Defaults: значения по умолчанию в виде "section.key" → value.
	Defaults map[string]interface{}
}

// Load загружает конфиг в cfgPtr: defaults → YAML → ENV.
func Load(opts Options, cfgPtr interface{}) error {
	v := viper.New()

	// Шаг 1: defaults
	for key, val := range opts.Defaults {
		v.SetDefault(key, val)
	}

	// Шаг 2: environment override
	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Шаг 3: read file (if provided)
	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", opts.Path, err)
		}
	}

	// Шаг 4: decode
	if err := decode(v.AllSettings(), cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}

	// Шаг 5: defaults + validate if possible
	if d, ok := cfgPtr.(interface{ ApplyDefaults() }); ok {
		d.ApplyDefaults()
	}
	if v, ok := cfgPtr.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}

	return nil
}
