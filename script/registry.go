// Package script keeps the Lua operations a client runs on the server.
//
// A Registry is built once with every Definition it will ever serve and is
// never mutated afterwards, so independent clients never share handles.
// Handles are the SHA1 digests Redis uses for EVALSHA; they are computed
// locally, which makes registering the same source twice return the same
// handle.
//
// Invoke sends EVALSHA. When the server answers NOSCRIPT (restart, SCRIPT
// FLUSH, failover to a replica without the script) the registry loads the
// source again and retries exactly once.
package script

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

var (
	ErrUnknownOperation = errors.New("script: unknown operation")
	ErrDuplicateName    = errors.New("script: duplicate operation name")
	ErrHandleMismatch   = errors.New("script: server returned an unexpected handle")
)

const noScriptPrefix = "NOSCRIPT"

// Handle is the opaque reference the server returns for a loaded script
type Handle string

// Definition names a script source
type Definition struct {
	Name   string
	Source string
}

type Registry struct {
	scripts map[string]*redis.Script
}

// NewRegistry builds an immutable registry. Repeating a definition is
// allowed only with identical source.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{scripts: make(map[string]*redis.Script, len(defs))}
	sources := make(map[string]string, len(defs))

	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrDuplicateName)
		}
		if src, ok := sources[def.Name]; ok {
			if src != def.Source {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
			}
			continue
		}
		sources[def.Name] = def.Source
		r.scripts[def.Name] = redis.NewScript(def.Source)
	}

	return r, nil
}

// Handle returns the handle of name without contacting the server
func (r *Registry) Handle(name string) (Handle, bool) {
	s, ok := r.scripts[name]
	if !ok {
		return "", false
	}
	return Handle(s.Hash()), true
}

// Names lists registered operations in lexical order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.scripts))
	for name := range r.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register loads the named script on the server
func (r *Registry) Register(ctx context.Context, c redis.Scripter, name string) (Handle, error) {
	s, ok := r.scripts[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}

	sha, err := s.Load(ctx, c).Result()
	if err != nil {
		return "", fmt.Errorf("failed to register %s: %w", name, err)
	}
	if sha != s.Hash() {
		return "", fmt.Errorf("%w: %s got %s want %s", ErrHandleMismatch, name, sha, s.Hash())
	}

	return Handle(sha), nil
}

// RegisterAll loads every script on the server
func (r *Registry) RegisterAll(ctx context.Context, c redis.Scripter) error {
	for _, name := range r.Names() {
		if _, err := r.Register(ctx, c, name); err != nil {
			return err
		}
	}
	return nil
}

// Invoke runs the named script by handle. A NOSCRIPT reply triggers one
// reload and one retry; any other failure is returned as is.
func (r *Registry) Invoke(ctx context.Context, c redis.Scripter, name string, keys []string, args ...any) *redis.Cmd {
	s, ok := r.scripts[name]
	if !ok {
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(fmt.Errorf("%w: %s", ErrUnknownOperation, name))
		return cmd
	}

	cmd := s.EvalSha(ctx, c, keys, args...)
	if !isNoScript(cmd.Err()) {
		return cmd
	}

	if _, err := r.Register(ctx, c, name); err != nil {
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(err)
		return cmd
	}

	return s.EvalSha(ctx, c, keys, args...)
}

func isNoScript(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	return strings.HasPrefix(rerr.Error(), noScriptPrefix)
}
