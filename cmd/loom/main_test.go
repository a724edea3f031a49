package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["serve"] {
		t.Fatalf("expected subcommand %q to be registered", "serve")
	}
}

func TestServeCmdFlags(t *testing.T) {
	cmd := buildServeCmd()
	for _, flag := range []string{"config", "debug"} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("flag --%s not registered", flag)
		}
	}
}
