package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/realtime"
)

var (
	listenToken string
	listenTypes []string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print realtime attendance events as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := tokenFlag(listenToken)
		if err != nil {
			return err
		}

		n := realtime.New(realtime.Config{
			URL:           cfg.RealtimeURL,
			RetryDelay:    cfg.RealtimeRetryDelay,
			MaxRetryDelay: cfg.RealtimeMaxRetryDelay,
		}, logger)
		defer n.Close()

		out := cmd.OutOrStdout()
		n.OnStateChange(func(state realtime.State) {
			logger.Info("realtime state", "state", state)
		})
		for _, t := range eventTypes(listenTypes) {
			n.Subscribe(t, func(evt realtime.Event) { printEvent(out, evt) })
		}

		n.SetIdentity(token)
		<-cmd.Context().Done()
		return nil
	},
}

func init() {
	listenCmd.Flags().StringVar(&listenToken, "token", "", "Access token (default $KIOSK_TOKEN)")
	listenCmd.Flags().StringSliceVar(&listenTypes, "type", nil, "Only print these event types (default all)")
	rootCmd.AddCommand(listenCmd)
}

func eventTypes(names []string) []realtime.EventType {
	if len(names) == 0 {
		return []realtime.EventType{realtime.EventAny}
	}
	types := make([]realtime.EventType, 0, len(names))
	for _, name := range names {
		types = append(types, realtime.EventType(name))
	}
	return types
}

func printEvent(w io.Writer, evt realtime.Event) {
	line, err := json.Marshal(evt)
	if err != nil {
		logger.Warn("unprintable event", "type", evt.Type, "error", err)
		return
	}
	fmt.Fprintln(w, string(line))
}
