// vartalap-peer is a headless room participant. It joins a room over the
// real signaling protocol with a silent media source, which makes it
// useful as a mesh probe or a placeholder peer during development.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/vartalabh/vartalap/client"
)

var (
	serverURL   string
	displayName string
	stunServers []string
)

var rootCmd = &cobra.Command{
	Use:   "vartalap-peer <room>",
	Short: "Join a vartalap room as a headless participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
}

func init() {
	rootCmd.Flags().StringVarP(&serverURL, "server", "s", "ws://localhost:5000/ws", "signaling server websocket URL")
	rootCmd.Flags().StringVarP(&displayName, "name", "n", "vartalap-peer", "display name shown to other participants")
	rootCmd.Flags().StringSliceVar(&stunServers, "stun", nil, "STUN server URLs")
}

// silentCapture provides empty local tracks. The mesh forms; nobody
// hears anything.
func silentCapture(ctx context.Context, c client.Constraints) (*client.LocalStream, error) {
	var tracks []webrtc.TrackLocal
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "vartalap-peer")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "vartalap-peer")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return client.NewLocalStream(tracks, nil), nil
}

func run(room string) error {
	logger := log.New(os.Stderr, "", log.Ldate|log.Ltime)

	sig := client.NewSignaler(serverURL)
	if err := sig.Connect(); err != nil {
		return err
	}
	defer sig.Close()

	orch := client.New(sig,
		client.NewPionTransport(client.PionConfig{STUNServers: stunServers}),
		silentCapture, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		orch.Run(ctx, sig.Events())
		close(done)
	}()

	if err := orch.JoinRoom(room, displayName); err != nil {
		return err
	}
	logger.Printf("joined %q as %q, waiting for peers", room, displayName)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	status := time.NewTicker(10 * time.Second)
	defer status.Stop()

	for {
		select {
		case err := <-orch.Errors():
			return err
		case <-status.C:
			peers := orch.Peers()
			if len(peers) == 0 {
				logger.Printf("no peers yet")
				continue
			}
			for id, state := range peers {
				logger.Printf("peer %s: %s", id, state)
			}
		case <-interrupt:
			logger.Printf("leaving %q", room)
			orch.LeaveRoom()
			cancel()
			<-done
			return nil
		case <-done:
			return fmt.Errorf("signaling connection lost")
		}
	}
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
