package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Load reads a JSON object from path.
func Load(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	var cfg map[string]interface{}
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return cfg, nil
}

// ApplyToFlags sets every flag of the default flag set that was not given
// on the command line from cfg. Call it after flag.Parse.
func ApplyToFlags(cfg map[string]interface{}) error {
	return Apply(flag.CommandLine, cfg)
}

// Apply is ApplyToFlags for an arbitrary flag set. A key may spell the
// flag name with underscores instead of hyphens.
func Apply(fs *flag.FlagSet, cfg map[string]interface{}) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		val, ok := cfg[f.Name]
		if !ok {
			val, ok = cfg[strings.ReplaceAll(f.Name, "-", "_")]
		}
		if !ok {
			return
		}
		var s string
		switch v := val.(type) {
		case string:
			s = v
		case float64, bool:
			s = fmt.Sprintf("%v", v)
		default:
			return
		}
		if err := f.Value.Set(s); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "config key %q", f.Name)
		}
	})
	return firstErr
}
