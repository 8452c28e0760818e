package agent

type claudeAdapter struct{}

func (a *claudeAdapter) Name() string   { return "claude" }
func (a *claudeAdapter) Binary() string { return "claude" }

func (a *claudeAdapter) BuildCommand(instruction string, opts Options) ([]string, error) {
	args := []string{"claude", "--print", instruction}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Effort != "" {
		args = append(args, "--effort", opts.Effort)
	}
	return args, nil
}

func (a *claudeAdapter) ApplyEnv(env map[string]string) error { return nil }

// LoginArgs lists both auth-check spellings; newer CLI versions renamed the
// subcommand.
func (a *claudeAdapter) LoginArgs() [][]string {
	return [][]string{
		{"claude", "auth", "status"},
		{"claude", "login", "status"},
	}
}
