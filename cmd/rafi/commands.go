package main

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/nugget/rafi-assistant/internal/api"
	"github.com/nugget/rafi-assistant/internal/auth"
	"github.com/nugget/rafi-assistant/internal/buildinfo"
	"github.com/nugget/rafi-assistant/internal/channels"
	"github.com/nugget/rafi-assistant/internal/mcp"
	"github.com/nugget/rafi-assistant/internal/registry"
)

// channelCLI is the channel name recorded for one-shot questions.
const channelCLI = "cli"

func newAskCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := configuredLogger(stderr, cfg)
			reg := registry.New(logger)

			c, err := newCore(cfg, reg, logger, coreOptions{})
			if err != nil {
				return err
			}
			defer c.Close()

			reply := c.processor(logger).Process(cmd.Context(), channels.Message{
				Channel:  channelCLI,
				SenderID: channelCLI,
				Text:     strings.Join(args, " "),
			})
			fmt.Fprintln(stdout, reply)
			return nil
		},
	}
}

func newProvidersCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured LLM providers",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := configuredLogger(stderr, cfg)

			c, err := newCore(cfg, registry.New(logger), logger, coreOptions{})
			if err != nil {
				return err
			}
			defer c.Close()

			for _, name := range c.llm.Available() {
				marker := " "
				if name == c.llm.ActiveName() {
					marker = "*"
				}
				fmt.Fprintf(stdout, "%s %s\n", marker, name)
			}
			if c.llm.CostRoutingEnabled() {
				fmt.Fprintln(stdout, "cost routing: on")
			}
			return nil
		},
	}
}

// newMCPCmd serves the tool registry over stdio. Stdout carries the
// protocol, so logs go to stderr.
func newMCPCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve Rafi's tools over the Model Context Protocol on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := configuredLogger(stderr, cfg)

			c, err := newCore(cfg, registry.New(logger), logger, coreOptions{memory: true, planner: true})
			if err != nil {
				return err
			}
			defer c.Close()

			logger.Info("serving MCP on stdio", "tools", len(c.tools.Names()))
			return mcp.NewServer(c.tools, buildinfo.Version, logger).Serve(cmd.Context(), cmd.InOrStdin(), stdout)
		},
	}
}

func newTokenCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	var callSID, qrPath string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a mobile companion token",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := configuredLogger(stderr, cfg)

			issuer, err := auth.NewIssuer(cfg.Mobile.Secret, 0)
			if err != nil {
				return fmt.Errorf("mobile.secret: %w", err)
			}
			token, exp, err := issuer.Issue(callSID)
			if err != nil {
				return err
			}

			host := cfg.Listen.Address
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "localhost"
			}
			link := api.MobileURL(cfg.Mobile.PublicURL, net.JoinHostPort(host, strconv.Itoa(cfg.Listen.Port)), token)

			fmt.Fprintf(stdout, "token:   %s\n", token)
			fmt.Fprintf(stdout, "expires: %s\n", exp.Format(time.RFC3339))
			fmt.Fprintf(stdout, "url:     %s\n", link)

			if qrPath != "" {
				if err := qrcode.WriteFile(link, qrcode.Medium, 256, qrPath); err != nil {
					return fmt.Errorf("write QR code: %w", err)
				}
				logger.Info("pairing QR code written", "path", qrPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&callSID, "call-sid", "", "bind the token to a phone call")
	cmd.Flags().StringVar(&qrPath, "qr", "", "also write the pairing URL as a PNG QR code")
	return cmd
}
