package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soda-magic/tank-rtc-sdk/config"
	"github.com/soda-magic/tank-rtc-sdk/internal/util"
	"github.com/soda-magic/tank-rtc-sdk/peerlink"
	"github.com/soda-magic/tank-rtc-sdk/session"
	"github.com/soda-magic/tank-rtc-sdk/signaling"
)

// NewWatchCommand builds the receive-only mode: view remote video sources
// and listen to the mixed audio feed. No capture devices are required.
func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "View remote video and listen without sending",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Session()
			if server, _ := cmd.Flags().GetString("server"); server != "" {
				cfg.ServerURL = server
			}
			return runWatch(cmd.Context(), cfg)
		},
	}
}

func runWatch(parent context.Context, cfg session.Config) error {
	logger := util.GetLogger()
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverURL := strings.TrimRight(cfg.ServerURL, "/")
	deps := session.Deps{
		NewPeerLink: peerlink.NewPionFactory(cfg.ICEServers),
		NewSignaling: func(fam session.Family, handler signaling.Handler) (signaling.Client, error) {
			return signaling.Dial(ctx, serverURL+"/"+fam.String(), handler)
		},
		RemoteAudio: func(track peerlink.RemoteAudio) {
			logger.Info("remote audio track", "id", track.ID(), "codec", track.Codec())
		},
	}

	ctrl, err := session.NewController(cfg, deps)
	if err != nil {
		return err
	}
	defer ctrl.Disconnect()

	ctrl.Subscribe(func(ev session.Event) {
		switch e := ev.(type) {
		case session.Connected:
			logger.Info("connected", "clientId", ctrl.ClientID())
		case session.Disconnected:
			logger.Info("disconnected")
		case session.SourceAdded:
			logger.Info("video source added", "participant", e.ParticipantID)
		case session.SourceRemoved:
			logger.Info("video source removed", "participant", e.ParticipantID)
		case session.LegStateChanged:
			logger.Info("leg state changed", "leg", e.Leg.String(), "active", e.Active)
		case session.ErrorEvent:
			logger.Error(e.Message, "err", e.Cause)
		}
	})

	if err := ctrl.Start(ctx, session.ViewVideo); err != nil {
		return err
	}
	if err := ctrl.Start(ctx, session.ListenAudio); err != nil {
		logger.Warn("listen-audio unavailable", "err", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
