package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/bazaar/internal/api"
	"github.com/matheus3301/bazaar/internal/session"
)

var watchPrefix string

func init() {
	watchCmd.Flags().StringVar(&watchPrefix, "prefix", "", `only events whose kind starts with this, e.g. "message."`)
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionName := session.Resolve(sessionFlag)
		if err := session.ValidateName(sessionName); err != nil {
			return err
		}
		c, err := api.Dial(session.SocketPath(sessionName))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stream, err := c.Watch(ctx, watchPrefix)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil || grpcstatus.Code(err) == codes.Canceled {
					return nil
				}
				return err
			}
			if jsonOutput {
				outputJSON(evt)
				continue
			}
			at := time.UnixMilli(num(evt, "occurred_at_ms")).Format("15:04:05")
			fmt.Printf("%s  %-24s %v\n", at, str(evt, "kind"), evt["payload"])
		}
	},
}
