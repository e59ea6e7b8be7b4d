package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"storeit/services/drive/internal/config"
)

func main() {
	if len(os.Args) > 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [config.yaml]\n", os.Args[0])
		os.Exit(2)
	}
	path := config.ConfigPath
	if len(os.Args) == 2 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		exitErr(err)
	}
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		exitErr(fmt.Errorf("render config: %w", err))
	}
	fmt.Printf("# effective configuration for %s\n", path)
	os.Stdout.Write(out)
	fmt.Println("config check passed")
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
