package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/capture"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/config"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/display"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/networking"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/session"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const talkHelp = "t: start talking, s: stop talking, l: leave"

func newTalkCommand() *cobra.Command {
	var room, name string

	talkCmd := &cobra.Command{
		Use:   "talk",
		Short: "Join a room and talk from the terminal",
		Long: `Join a room and talk from the terminal.

Commands are read from stdin, one per line:
  t  start talking (press the button)
  s  stop talking (release the button)
  l  leave the room, as does end of input`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ClientConfig()
			if err != nil {
				return err
			}
			return talk(cmd.Context(), cfg, room, name, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	talkCmd.Flags().StringVar(&room, "room", "", "room to join")
	talkCmd.Flags().StringVar(&name, "name", "", "display name")
	talkCmd.MarkFlagRequired("room")
	talkCmd.MarkFlagRequired("name")

	talkCmd.Flags().String("relayurl", "ws://localhost:1066/ws", "websocket URL of the relay")
	talkCmd.Flags().String("protocol", "walkietalkie.json", "signalling protocol: walkietalkie.json or walkietalkie.msgpack")
	talkCmd.Flags().String("capturefile", "", "WAV file to talk from, silent when empty")
	talkCmd.Flags().String("recorddir", "", "directory to record remote audio to, discarded when empty")
	for _, key := range []string{"relayurl", "protocol", "capturefile", "recorddir"} {
		viper.BindPFlag(key, talkCmd.Flags().Lookup(key))
	}
	return talkCmd
}

func talk(ctx context.Context, cfg config.Client, room string, name string, in io.Reader, out io.Writer) error {
	logger := slog.Default().With("component", "client")

	codec, err := networking.GetCodec(cfg.Codec)
	if err != nil {
		return err
	}

	var capturer capture.Capturer = capture.SilentCapturer{}
	if cfg.CaptureFile != "" {
		capturer = capture.NewFileCapturer(cfg.CaptureFile, cfg.LoopCapture, logger)
	}
	sinks := networking.DiscardSinks()
	if cfg.RecordDir != "" {
		sinks = networking.RecordingSinks(cfg.RecordDir, logger)
	}

	client := session.NewClient(
		session.Config{
			RelayURL: cfg.RelayURL,
			Protocol: cfg.Protocol,
			Codec:    codec,
			Timeout:  cfg.Timeout,
		},
		capturer,
		session.PionConnections(cfg.ICEServers, codec, sinks, utils.NewPionLoggerFactory(logger), logger),
		logger,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Join(ctx, room, name); err != nil {
		return err
	}
	fmt.Fprintln(out, display.MutedStyle.Render(talkHelp))

	commands := make(chan string)
	go func() {
		defer close(commands)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case commands <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	updates := client.Updates()
	for {
		select {
		case <-ctx.Done():
			return leave(client)
		case update := <-updates:
			render(update, out)
			if update.State == session.StateIdle && update.Err != nil {
				// The connection to the relay is gone, and the client with it
				return update.Err
			}
		case command, ok := <-commands:
			if !ok {
				return leave(client)
			}
			var err error
			switch command {
			case "t":
				err = client.StartTalking()
			case "s":
				err = client.StopTalking()
			case "l":
				return leave(client)
			case "":
				continue
			default:
				fmt.Fprintln(out, display.MutedStyle.Render(talkHelp))
			}
			if err != nil {
				fmt.Fprintln(out, display.ErrorStyle.Render(err.Error()))
			}
		}
	}
}

func leave(client *session.Client) error {
	if client.State() != session.StateJoined {
		return nil
	}
	return client.Leave()
}

func render(update session.Update, out io.Writer) {
	if update.View.Room != "" {
		fmt.Fprintln(out, display.NewMembershipTable(update.View).View())
		return
	}
	fmt.Fprintln(out, display.StatusLine(update))
}
