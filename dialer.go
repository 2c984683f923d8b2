package httpcore

import (
	"github.com/frankli0324/go-httpcore/internal/options"
	"github.com/frankli0324/go-httpcore/internal/resolver"
)

type Options = options.Options
type IO = options.IO
type Proxy = options.Proxy
type Timeouts = options.Timeouts
type CoalescePolicy = options.CoalescePolicy

type ResolverConfig = resolver.Config
type Resolver = resolver.Resolver
type ResolverFactory = resolver.Factory

const (
	CoalesceAddress     = options.CoalesceAddress
	CoalesceCertificate = options.CoalesceCertificate
	CoalesceNone        = options.CoalesceNone
)

func DefaultOptions() *Options { return options.Default() }

// LoadOptions reads options from a TOML file.
func LoadOptions(path string) (*Options, error) { return options.LoadFile(path) }

// RegisterResolver makes a resolution strategy selectable through
// Options.Resolver.
func RegisterResolver(name string, f ResolverFactory) { resolver.Register(name, f) }
