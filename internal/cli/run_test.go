package cli

import "testing"

func TestRunCommandOnceFlag(t *testing.T) {
	cmd := newRunCommand(&Options{})
	flag := cmd.Flags().Lookup("once")
	if flag == nil {
		t.Fatal("run command has no --once flag")
	}
	if flag.DefValue != "false" {
		t.Errorf("--once default = %q, want false", flag.DefValue)
	}
}
