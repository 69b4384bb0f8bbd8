package fileaccess

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/logger"
)

// EnvTimeout bounds how long fetching the device environment may take.
const EnvTimeout = 5 * time.Second

// Environment is a device's process environment.
type Environment map[string]string

// Get returns the value of key, or "" when unset.
func (e Environment) Get(key string) string {
	return e[key]
}

// Slice returns the environment as sorted KEY=VALUE entries.
func (e Environment) Slice() []string {
	out := make([]string, 0, len(e))
	for k, v := range e {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ParseEnvironment parses `env` output. With nul set, entries are NUL
// separated and may contain newlines. Otherwise entries are one per line
// and lines without '=' continue the previous value.
func ParseEnvironment(data []byte, nul bool) Environment {
	env := Environment{}
	if nul {
		for _, entry := range bytes.Split(data, []byte{0}) {
			if k, v, ok := strings.Cut(string(entry), "="); ok && k != "" {
				env[k] = v
			}
		}
		return env
	}

	var last string
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" || strings.ContainsAny(k, " \t") {
			if last != "" {
				env[last] += "\n" + line
			}
			continue
		}
		env[k] = v
		last = k
	}
	if last != "" {
		env[last] = strings.TrimSuffix(env[last], "\n")
	}
	return env
}

// EnvCache caches the device environment. It is populated on first use and
// dropped with Invalidate whenever the shell is re-established.
type EnvCache struct {
	runner  ShellRunner
	log     logger.Logger
	Timeout time.Duration

	mu     sync.RWMutex
	env    Environment
	loaded bool
}

// NewEnvCache returns an empty cache reading through runner.
func NewEnvCache(runner ShellRunner, log logger.Logger) *EnvCache {
	if log == nil {
		log = logger.Noop()
	}
	return &EnvCache{runner: runner, log: log, Timeout: EnvTimeout}
}

// Get returns the cached environment, fetching it if needed.
func (c *EnvCache) Get(ctx context.Context) (Environment, error) {
	c.mu.RLock()
	if c.loaded {
		env := c.env
		c.mu.RUnlock()
		return env, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.env, nil
	}

	env, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.env, c.loaded = env, true
	return env, nil
}

// Invalidate drops the cached environment.
func (c *EnvCache) Invalidate() {
	c.mu.Lock()
	c.env, c.loaded = nil, false
	c.mu.Unlock()
}

func (c *EnvCache) fetch(ctx context.Context) (Environment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	res, err := c.runner.RunInShell(ctx, "env -0", nil)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSession,
			"Couldn't read the device environment", "")
	}
	if res.OK() {
		return ParseEnvironment(res.Stdout, true), nil
	}

	// Busybox and other minimal userlands have no -0.
	c.log.Debug("env -0 exited with %d, falling back to env: %s", res.ExitCode, bytes.TrimSpace(res.Stderr))
	res, err = c.runner.RunInShell(ctx, "env", nil)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSession,
			"Couldn't read the device environment", "")
	}
	if !res.OK() {
		return nil, errors.New(errors.ErrExec,
			"Couldn't read the device environment",
			strings.TrimSpace(string(res.Stderr)))
	}
	return ParseEnvironment(res.Stdout, false), nil
}
