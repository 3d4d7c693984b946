package config

import (
	"debug/pe"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/wnxd/microld/filesystem"
	"github.com/wnxd/microld/host"
	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/log"
	"github.com/wnxd/microld/memory"
	"gopkg.in/yaml.v3"
)

var ErrUnknownMachine = errors.New("unknown machine")

var machines = map[string]uint16{
	"amd64": pe.IMAGE_FILE_MACHINE_AMD64,
	"x64":   pe.IMAGE_FILE_MACHINE_AMD64,
	"arm64": pe.IMAGE_FILE_MACHINE_ARM64,
	"x86":   pe.IMAGE_FILE_MACHINE_I386,
	"386":   pe.IMAGE_FILE_MACHINE_I386,
}

type RawLegacyMachine struct {
	Allow        bool   `yaml:"allow"`
	MaxSubsystem uint16 `yaml:"max-subsystem"`
}

type RawTrust struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type RawConfig struct {
	Machine           string           `yaml:"machine"`
	LogLevel          log.LogLevel     `yaml:"log-level"`
	LogFile           string           `yaml:"log-file"`
	SearchPath        string           `yaml:"search-path"`
	DefaultExtension  string           `yaml:"default-extension"`
	MaxPathLength     int              `yaml:"max-path-length"`
	MaxLoadDepth      int              `yaml:"max-load-depth"`
	MaxForwarderDepth int              `yaml:"max-forwarder-depth"`
	Interactive       bool             `yaml:"interactive"`
	VerifyChecksum    bool             `yaml:"verify-checksum"`
	BoundImports      bool             `yaml:"bound-imports"`
	LegacyMachine     RawLegacyMachine `yaml:"legacy-machine"`
	NoRelocate        []string         `yaml:"no-relocate"`
	KnownModules      []string         `yaml:"known-modules"`
	Redirects         Redirects        `yaml:"redirects"`
	Trust             RawTrust         `yaml:"trust"`
	DynamicBase       uint64           `yaml:"dynamic-base"`
	ForceRelocation   bool             `yaml:"force-relocation"`
}

// Redirects keeps the rules in file order.
type Redirects struct {
	*orderedmap.OrderedMap[string, string]
}

func (r *Redirects) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: redirects must be a mapping", node.Line)
	}
	r.OrderedMap = orderedmap.New[string, string]()
	for i := 0; i+1 < len(node.Content); i += 2 {
		var target string
		if err := node.Content[i+1].Decode(&target); err != nil {
			return err
		}
		r.Set(node.Content[i].Value, target)
	}
	return nil
}

type Config struct {
	Machine         uint16
	LogLevel        log.LogLevel
	LogFile         string
	Policy          loader.Policy
	KnownModules    []string
	Redirects       *orderedmap.OrderedMap[string, string]
	Trust           host.TrustList
	DynamicBase     uint64
	ForceRelocation bool
}

func DefaultRawConfig() *RawConfig {
	def := loader.DefaultPolicy()
	return &RawConfig{
		Machine:           "amd64",
		LogLevel:          log.INFO,
		SearchPath:        def.SearchPath,
		DefaultExtension:  def.DefaultExtension,
		MaxPathLength:     def.MaxPathLength,
		MaxLoadDepth:      def.MaxLoadDepth,
		MaxForwarderDepth: def.MaxForwarderDepth,
		BoundImports:      true,
		DynamicBase:       host.DefaultDynamicBase,
	}
}

func UnmarshalRawConfig(buf []byte) (*RawConfig, error) {
	raw := DefaultRawConfig()
	if err := yaml.Unmarshal(buf, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func Parse(buf []byte) (*Config, error) {
	raw, err := UnmarshalRawConfig(buf)
	if err != nil {
		return nil, err
	}
	return ParseRawConfig(raw)
}

func Load(file string) (*Config, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

func ParseRawConfig(raw *RawConfig) (*Config, error) {
	machine, ok := machines[strings.ToLower(raw.Machine)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMachine, raw.Machine)
	}
	cfg := &Config{
		Machine:         machine,
		LogLevel:        raw.LogLevel,
		LogFile:         raw.LogFile,
		KnownModules:    raw.KnownModules,
		Redirects:       raw.Redirects.OrderedMap,
		Trust:           host.TrustList{Allow: raw.Trust.Allow, Deny: raw.Trust.Deny},
		DynamicBase:     raw.DynamicBase,
		ForceRelocation: raw.ForceRelocation,
		Policy: loader.Policy{
			SearchPath:          raw.SearchPath,
			DefaultExtension:    raw.DefaultExtension,
			MaxPathLength:       raw.MaxPathLength,
			MaxLoadDepth:        raw.MaxLoadDepth,
			MaxForwarderDepth:   raw.MaxForwarderDepth,
			Interactive:         raw.Interactive,
			VerifyChecksum:      raw.VerifyChecksum,
			DisableBoundImports: !raw.BoundImports,
			LegacyMachine: loader.LegacyMachine{
				Allow:        raw.LegacyMachine.Allow,
				MaxSubsystem: raw.LegacyMachine.MaxSubsystem,
			},
			NoRelocate: raw.NoRelocate,
		},
	}
	if cfg.Redirects == nil {
		cfg.Redirects = orderedmap.New[string, string]()
	}
	return cfg, nil
}

// Options builds loader options backed by the host services over fsys and
// mem. Known modules are opened and sectioned eagerly.
func (c *Config) Options(fsys filesystem.FS, mem memory.AddressSpace) (loader.Options, error) {
	probe := host.NewProbe(fsys)
	mapper := host.NewMapper(mem, c.DynamicBase)
	mapper.ForceRelocation = c.ForceRelocation
	opts := loader.Options{
		Memory:    mem,
		Probe:     probe,
		Sections:  mapper,
		Lifecycle: host.NewLifecycle(),
		HardError: host.LogReporter{Response: loader.ResponseAbort},
		Policy:    c.Policy,
	}
	if c.Redirects.Len() > 0 {
		r := host.NewRedirector()
		for p := c.Redirects.Oldest(); p != nil; p = p.Next() {
			r.Add(p.Key, p.Value)
		}
		opts.Redirector = r
	}
	if len(c.Trust.Allow) > 0 || len(c.Trust.Deny) > 0 {
		opts.Trust = c.Trust
	}
	if len(c.KnownModules) > 0 {
		known := host.NewKnownModules()
		for _, name := range c.KnownModules {
			sec, err := openSection(probe, mapper, name)
			if err != nil {
				return loader.Options{}, fmt.Errorf("known module %s: %w", name, err)
			}
			known.Add(path.Base(strings.ReplaceAll(name, "\\", "/")), loader.KnownModule{FullPath: name, Section: sec})
		}
		opts.Known = known
	}
	return opts, nil
}

func openSection(probe *host.Probe, mapper *host.Mapper, name string) (loader.Section, error) {
	f, err := probe.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mapper.CreateSection(f)
}

// Apply configures the process-wide logger.
func (c *Config) Apply() {
	log.SetLevel(c.LogLevel)
	if c.LogFile != "" {
		log.SetOutput(c.LogFile, 16, 3, 28, false)
	}
}
