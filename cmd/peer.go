package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arunabot/arunacore/pkg/client"
	v1 "github.com/arunabot/arunacore/pkg/config/v1"
	"github.com/arunabot/arunacore/pkg/config/v1/validation"
	"github.com/arunabot/arunacore/pkg/proto"
	"github.com/arunabot/arunacore/pkg/util"
)

var listMasterKey string

func init() {
	d := v1.DefaultPeerConfig()
	f := peerCmd.PersistentFlags()
	f.String("id", d.ID, "peer id")
	f.String("server", d.Server, "broker URL")
	f.String("key", "", "connection key")
	f.String("api-version", proto.APIVersion, "api version sent in the handshake")
	f.Bool("reconnect", d.Reconnect.Enable, "reconnect when the link drops")
	f.Duration("reconnect-delay", d.Reconnect.Delay, "delay between reconnect attempts")
	f.Int("reconnect-attempts", d.Reconnect.MaxAttempts, "reconnect attempts (-1 retries forever)")
	f.Duration("request-timeout", d.RequestTimeout, "request timeout")
	f.String("tls-ca", "", "CA file used to verify the broker")

	for key, flag := range map[string]string{
		"peer.id":                     "id",
		"peer.server":                 "server",
		"peer.key":                    "key",
		"peer.api_version":            "api-version",
		"peer.reconnect.enable":       "reconnect",
		"peer.reconnect.delay":        "reconnect-delay",
		"peer.reconnect.max_attempts": "reconnect-attempts",
		"peer.request_timeout":        "request-timeout",
		"peer.tls.ca_file":            "tls-ca",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}

	listCmd.Flags().StringVar(&listMasterKey, "master-key", "", "broker master key")

	peerCmd.AddCommand(listenCmd, sendCmd, requestCmd, listCmd)
	rootCmd.AddCommand(peerCmd)
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "connect to a broker as a module",
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "print inbound messages and echo requests until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPeer(func(ctx context.Context, c *client.Client, log *util.Logger) error {
			c.OnMessage(func(e proto.Envelope) {
				log.Infof("message from %s: type=%s command=%s args=%v content=%s", e.From.ID, e.Type, e.Command, e.Args, contentText(e))
			})
			c.OnRequest(func(r *client.Request) {
				log.Infof("request from %s: %s", r.From.ID, contentText(r.Envelope))
				if err := r.Reply(r.Content); err != nil {
					log.Warnf("reply to %s: %v", r.From.ID, err)
				}
			})
			c.OnStateChange(func(s client.State) { log.Infof("state: %s", s) })
			c.OnError(func(err error) { log.Warnf("%v", err) })
			log.Infof("listening as %s", c.ID())
			<-ctx.Done()
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <target> <content...>",
	Short: "send one message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPeer(func(ctx context.Context, c *client.Client, log *util.Logger) error {
			return c.Send(client.Message{Target: args[0], Content: strings.Join(args[1:], " ")})
		})
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <target> <content...>",
	Short: "send a request and print the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPeer(func(ctx context.Context, c *client.Client, log *util.Logger) error {
			reply, err := c.Request(ctx, client.Message{Target: args[0], Content: strings.Join(args[1:], " ")})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), contentText(reply))
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list registered connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPeer(func(ctx context.Context, c *client.Client, log *util.Logger) error {
			ids, err := c.ListConnections(ctx, listMasterKey)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		})
	},
}

// withPeer connects, runs fn and unregisters on the way out.
func withPeer(fn func(ctx context.Context, c *client.Client, log *util.Logger) error) error {
	fc, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := fc.Peer
	cfg.Complete()
	log := util.NewLogger("peer")
	defer func() { _ = log.Sync() }()

	warning, err := validation.ValidatePeerConfig(&cfg)
	if warning != nil {
		log.Warnf("config: %v", warning)
	}
	if err != nil {
		return fmt.Errorf("invalid peer config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := client.New(cfg, log)
	if err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return err
	}
	runErr := fn(ctx, c, log)

	fctx, fcancel := context.WithTimeout(context.Background(), cfg.FinishTimeout)
	defer fcancel()
	if err := c.Finish(fctx); err != nil {
		log.Warnf("finish: %v", err)
	}
	return runErr
}

func contentText(e proto.Envelope) string {
	if s, ok := e.ContentString(); ok {
		return s
	}
	return string(e.Content)
}
