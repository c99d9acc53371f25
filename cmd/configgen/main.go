package main

import (
	"fmt"
	"log"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/lifeline/internal/backendsim"
	"github.com/danmuck/lifeline/internal/config"
	flag "github.com/spf13/pflag"
)

func main() {
	fs := flag.NewFlagSet("configgen", flag.ExitOnError)
	kind := fs.StringP("kind", "k", "lifeline", "config kind: lifeline|backendsim")
	output := fs.StringP("output", "o", "", "output path for config template")
	validate := fs.Bool("validate", false, "validate an existing config file")
	input := fs.StringP("input", "i", "", "config path for validation (defaults to per-kind cmd path)")
	force := fs.BoolP("force", "f", false, "overwrite existing config file")
	_ = fs.Parse(os.Args[1:])

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		if err := validateConfig(*kind, path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "lifeline":
		return "cmd/lifelinectl/config.toml"
	case "backendsim":
		return "cmd/backendsim/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func validateConfig(kind, path string) error {
	switch kind {
	case "lifeline":
		_, err := config.Load(path)
		return err
	case "backendsim":
		var cfg backendsim.Config
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return fmt.Errorf("load backendsim config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown backendsim config keys: %v", undecoded)
		}
		return nil
	default:
		return fmt.Errorf("unknown kind: %s", kind)
	}
}
