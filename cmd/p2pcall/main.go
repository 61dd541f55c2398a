// Command p2pcall is the CLI entry point.
//
// Two peers set up a direct WebRTC audio/video call. The host publishes an
// offer to a shared signaling store and prints a call link; the guest opens
// the link, answers, and both sides trickle ICE candidates through the store
// until the peer connection is up.
//
// It can be launched interactively (no subcommand) or via the host, join and
// relay subcommands.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/p2pcall/internal/app"
	"github.com/1ureka/p2pcall/internal/calllink"
	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/util"
)

var version = "dev"

type flags struct {
	configPath string
	storeURL   string
	origin     string
	debug      bool
	trace      bool
	noVideo    bool
	noAudio    bool
	listen     string
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "p2pcall",
		Short:         "Peer-to-peer audio/video calls over WebRTC",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return runInteractive(cmd.Context(), cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "Path to a TOML config file")
	pf.StringVar(&f.storeURL, "store", "", "Signaling store: ws://host:port/ws, firestore://<project> or memory://")
	pf.StringVar(&f.origin, "origin", "", "Origin used to build call links")
	pf.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	pf.BoolVar(&f.trace, "trace", false, "Enable trace logging, including WebRTC internals")
	pf.BoolVar(&f.noVideo, "no-video", false, "Do not send video")
	pf.BoolVar(&f.noAudio, "no-audio", false, "Do not send audio")

	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Start a new call and print its link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			cfg.Role = config.RoleHost
			return runCall(cmd.Context(), cfg)
		},
	}

	joinCmd := &cobra.Command{
		Use:   "join <link|call-id>",
		Short: "Join an existing call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			id, err := calllink.Resolve(args[0])
			if err != nil {
				return err
			}
			cfg.Role = config.RoleGuest
			cfg.CallID = id
			return runCall(cmd.Context(), cfg)
		},
	}

	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a WebSocket signaling relay backed by an in-memory store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if f.listen != "" {
				cfg.Listen = f.listen
			}
			return app.RunRelay(cmd.Context(), cfg.Listen, nil)
		},
	}
	relayCmd.Flags().StringVar(&f.listen, "listen", "", "Address to listen on (default from config, 127.0.0.1:7000)")

	root.AddCommand(hostCmd, joinCmd, relayCmd)
	return root
}

// loadConfig reads the config file, overlays the flags and applies the
// logging level.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	if f.storeURL != "" {
		cfg.Store.URL = f.storeURL
	}
	if f.origin != "" {
		cfg.Link.Origin = f.origin
	}
	if f.noVideo {
		cfg.Media.Video = false
	}
	if f.noAudio {
		cfg.Media.Audio = false
	}
	cfg.Debug = cfg.Debug || f.debug

	switch {
	case f.trace:
		util.EnableTrace()
	case cfg.Debug:
		util.EnableDebug()
	}

	pterm.Info.Println("p2pcall — v" + version)
	pterm.Println()

	return cfg, cfg.Validate()
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and, for guests, the call link.
func runInteractive(ctx context.Context, cfg *config.Config) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Start a new call", "Guest — Join a call from a link"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		cfg.Role = config.RoleHost
	} else {
		cfg.Role = config.RoleGuest
		cfg.CallID = askCallID()
	}
	return runCall(ctx, cfg)
}

// runCall opens the store and runs the configured role until hang-up.
func runCall(ctx context.Context, cfg *config.Config) error {
	st, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	r := &app.Runner{
		Config: cfg,
		Store:  st,
		Source: &media.SyntheticSource{},
	}

	if cfg.Role == config.RoleHost {
		err = r.Host(ctx)
	} else {
		err = r.Join(ctx, cfg.CallID)
	}
	if err != nil {
		if errors.Is(err, media.ErrPermissionDenied) {
			util.LogWarning("camera or microphone access was denied")
		}
		return err
	}

	util.LogInfo("call closed")
	return nil
}

// askCallID prompts until the input resolves to a call id.
func askCallID() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Call link or id").
			Show()

		id, err := calllink.Resolve(raw)
		if err == nil {
			pterm.Println()
			return id
		}

		pterm.Println()
		util.LogWarning("invalid input: %v", err)
	}
}
