package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/basket/tripsync/internal/capability"
	"github.com/basket/tripsync/internal/config"
)

func runModeCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tripsync mode <live|demo|offline-fixture>")
		return 2
	}
	mode := strings.ToLower(strings.TrimSpace(args[0]))
	if err := config.SetMode(config.HomeDir(), mode); err != nil {
		fmt.Fprintf(os.Stderr, "set mode: %v\n", err)
		return 1
	}
	fmt.Printf("mode set to %s\n", mode)
	return 0
}

func runFeatureCommand(args []string) int {
	switch len(args) {
	case 0:
		// No args: list the known features with their effective state.
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		for _, name := range capability.Known() {
			fmt.Printf("%-18s %s\n", name, capability.Check(name, cfg, ""))
		}
		return 0
	case 2:
		name := strings.TrimSpace(args[0])
		state := strings.ToLower(strings.TrimSpace(args[1]))
		if err := config.SetFeature(config.HomeDir(), name, state); err != nil {
			fmt.Fprintf(os.Stderr, "set feature: %v\n", err)
			return 1
		}
		fmt.Printf("feature %s set to %s\n", name, state)
		return 0
	default:
		fmt.Fprintln(os.Stderr, "usage: tripsync feature [<name> <on|off|default>]")
		return 2
	}
}
