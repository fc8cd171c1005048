package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/pkg/bytesize"
	"github.com/reelforge/reelforge/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  reelforge config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/reelforge, $HOME/.reelforge)
  - Environment variables (REELFORGE_SERVER_PORT, REELFORGE_REDIS_ADDR, etc.)
  - Command-line flags (for some options)

Environment variables use the REELFORGE_ prefix and underscores for nesting.
Example: server.port -> REELFORGE_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

const dumpBanner = `# reelforge Configuration File
# =============================
#
# All values shown below are defaults.
# Duration format: 30s, 5m, 1h, 30d
# Size format: 5MB, 1GB
#
# Environment variable overrides:
#   REELFORGE_SERVER_HOST, REELFORGE_SERVER_PORT
#   REELFORGE_DATABASE_DRIVER, REELFORGE_DATABASE_DSN
#   REELFORGE_REDIS_ADDR, REELFORGE_STORAGE_BASE_DIR
#   REELFORGE_LOGGING_LEVEL, REELFORGE_LOGGING_FORMAT
#   etc.
#

`

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(configMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Print(dumpBanner)
	fmt.Print(string(yamlData))
	return nil
}

// configMap flattens a config struct into a map for YAML output, keyed
// by mapstructure tags and with durations and sizes rendered in the same
// human form the loader accepts ("15m", "100MB").
func configMap(v any) map[string]any {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	out := make(map[string]any, typ.NumField())
	for i := range typ.NumField() {
		field := val.Field(i)
		out[mapKey(typ.Field(i))] = renderValue(field)
	}
	return out
}

func mapKey(f reflect.StructField) string {
	if key := f.Tag.Get("mapstructure"); key != "" {
		return key
	}
	if key := f.Tag.Get("yaml"); key != "" {
		return key
	}
	return f.Name
}

func renderValue(field reflect.Value) any {
	switch v := field.Interface().(type) {
	case time.Duration:
		return duration.Format(v)
	case config.Duration:
		return duration.Format(v.Duration())
	case config.ByteSize:
		return bytesize.Format(bytesize.Size(v))
	}
	if field.Kind() == reflect.Struct {
		return configMap(field.Interface())
	}
	return field.Interface()
}
