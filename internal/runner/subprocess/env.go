package subprocess

import "os"

// allowedEnvKeys is the full set of ambient environment variables ever
// propagated to a spawned provider process. Nothing else from the
// gateway's own environment reaches the child.
var allowedEnvKeys = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"TERM",
	"LANG",
	"LC_ALL",
	"NODE_PATH",
	"XDG_CONFIG_HOME",
}

// BuildEnv returns an allowlisted environment for a child process: the
// ambient variables named in allowedEnvKeys (only if set), plus any
// provider-specific extras (e.g. credential keys, MAX_THINKING_TOKENS).
// It never forwards os.Environ() wholesale.
func BuildEnv(extra []string) []string {
	var env []string
	for _, key := range allowedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env, extra...)
}
