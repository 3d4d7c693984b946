package main

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"github.com/wnxd/microld/config"
	"github.com/wnxd/microld/filesystem"
	"github.com/wnxd/microld/loader"
	_ "github.com/wnxd/microld/loader/amd64"
	_ "github.com/wnxd/microld/loader/arm64"
	_ "github.com/wnxd/microld/loader/x86"
	"github.com/wnxd/microld/log"
	"github.com/wnxd/microld/memory"
)

func main() {
	app := cli.NewApp()
	app.Name = "ldtrace"
	app.Usage = "load modules from a directory tree and trace the loader"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file"},
		&cli.StringFlag{Name: "root", Aliases: []string{"r"}, Value: ".", Usage: "directory mounted as the filesystem root"},
		&cli.StringFlag{Name: "machine", Aliases: []string{"m"}, Usage: "override the configured machine"},
		&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Usage: "debug, info, warning, error or silent"},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "load",
			Usage:     "load modules dynamically, in argument order",
			ArgsUsage: "module...",
			Action:    load,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Aliases: []string{"d"}, Usage: "dump module records"},
				&cli.BoolFlag{Name: "no-init", Usage: "map and bind without running initializers"},
				&cli.StringFlag{Name: "search-path", Aliases: []string{"p"}, Usage: "search path for these loads"},
			},
		},
		{
			Name:      "process",
			Usage:     "initialize a process from a main image",
			ArgsUsage: "image",
			Action:    process,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Aliases: []string{"d"}, Usage: "dump module records"},
			},
		},
		{
			Name:   "machines",
			Usage:  "list supported machines",
			Action: machines,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// tracer records initializer order for the report.
type tracer struct {
	order []string
}

func (t *tracer) Attach(_ context.Context, m loader.ModuleInfo) error {
	t.order = append(t.order, m.BaseName)
	return nil
}

func (t *tracer) Detach(context.Context, loader.ModuleInfo) error {
	return nil
}

func setup(ctx *cli.Context, bootstrap bool) (loader.Loader, *tracer, error) {
	cfg, err := readConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	cfg.Apply()
	opts, err := cfg.Options(filesystem.SysDirFS(ctx.String("root")), memory.NewVirtual(0x1000))
	if err != nil {
		return nil, nil, err
	}
	t := new(tracer)
	opts.Lifecycle = t
	opts.Bootstrap = bootstrap
	ldr, err := loader.New(cfg.Machine, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("machine %#04x: %w", cfg.Machine, err)
	}
	return ldr, t, nil
}

func readConfig(ctx *cli.Context) (*config.Config, error) {
	raw := config.DefaultRawConfig()
	if file := ctx.String("config"); file != "" {
		buf, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if raw, err = config.UnmarshalRawConfig(buf); err != nil {
			return nil, err
		}
	}
	if m := ctx.String("machine"); m != "" {
		raw.Machine = m
	}
	if l := ctx.String("log-level"); l != "" {
		level, err := log.ParseLevel(l)
		if err != nil {
			return nil, err
		}
		raw.LogLevel = level
	}
	return config.ParseRawConfig(raw)
}

func load(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.ShowSubcommandHelp(ctx)
	}
	ldr, t, err := setup(ctx, false)
	if err != nil {
		return err
	}
	var opts []loader.LoadOption
	if p := ctx.String("search-path"); p != "" {
		opts = append(opts, loader.WithSearchPath(p))
	}
	if ctx.Bool("no-init") {
		opts = append(opts, loader.WithoutInitializers())
	}
	for _, name := range ctx.Args().Slice() {
		if _, err := ldr.LoadModule(ctx.Context, name, opts...); err != nil {
			return err
		}
	}
	return report(ctx, ldr, t)
}

func process(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowSubcommandHelp(ctx)
	}
	ldr, t, err := setup(ctx, true)
	if err != nil {
		return err
	}
	if _, err := ldr.InitializeProcess(ctx.Context, ctx.Args().First()); err != nil {
		return err
	}
	if err := report(ctx, ldr, t); err != nil {
		return err
	}
	return ldr.Shutdown(ctx.Context)
}

func machines(*cli.Context) error {
	for _, m := range loader.Machines() {
		fmt.Printf("%#04x\n", m)
	}
	return nil
}

func report(ctx *cli.Context, ldr loader.Loader, t *tracer) error {
	var modules []loader.ModuleInfo
	err := ldr.EnumerateLoadedModules(ctx.Context, func(_ context.Context, m loader.ModuleInfo) bool {
		modules = append(modules, m)
		return true
	})
	if err != nil {
		return err
	}
	fmt.Println("load order:")
	for _, m := range modules {
		fmt.Printf("  %016X %8X %-5d %-24s %s [%s]\n", m.Base, m.Size, m.LoadCount, m.BaseName, m.FullPath, m.Flags)
	}
	byBase := slices.Clone(modules)
	slices.SortFunc(byBase, func(a, b loader.ModuleInfo) int {
		return cmp.Compare(a.Base, b.Base)
	})
	fmt.Println("memory order:")
	fmt.Printf("  %s\n", strings.Join(lo.Map(byBase, func(m loader.ModuleInfo, _ int) string { return m.BaseName }), " "))
	fmt.Println("init order:")
	fmt.Printf("  %s\n", strings.Join(t.order, " "))
	if ctx.Bool("dump") {
		sp := spew.NewDefaultConfig()
		sp.MaxDepth = 3
		sp.Dump(modules)
	}
	return nil
}
