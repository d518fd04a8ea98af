package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/logger"
	"github.com/ent0n29/callrelay/internal/telephony"
)

var callFlags telephony.OutboundCall

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Place an outbound call that streams into this relay",
	Example: `  callrelay call --to +15550101 --agent-id sales-1
  callrelay call --to +15550101 --agent-id sales-1 --elevenlabs-agent-id agent_123 --first-message "Hi there"`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		log, err := logger.Init(loggerOptions(cfg))
		if err != nil {
			return err
		}
		defer logger.Sync()

		placer, err := telephony.NewTwilioPlacer(telephony.TwilioConfig{
			AccountSID:    cfg.TwilioAccountSID,
			AuthToken:     cfg.TwilioAuthToken,
			FromNumber:    cfg.TwilioFromNumber,
			PublicBaseURL: cfg.PublicBaseURL,
		}, log.Named("twilio"))
		if err != nil {
			return err
		}
		return runCall(cmd.Context(), placer, callFlags, cmd.OutOrStdout())
	},
}

func init() {
	f := callCmd.Flags()
	f.StringVar(&callFlags.To, "to", "", "destination phone number in E.164 format")
	f.StringVar(&callFlags.AgentID, "agent-id", "", "application agent id passed to the stream")
	f.StringVar(&callFlags.ElevenLabsAgentID, "elevenlabs-agent-id", "", "conversational agent id (defaults to ELEVENLABS_AGENT_ID)")
	f.StringVar(&callFlags.ElevenLabsAPIKey, "elevenlabs-api-key", "", "conversational agent API key (defaults to ELEVENLABS_API_KEY)")
	f.StringVar(&callFlags.Prompt, "prompt", "", "system prompt override")
	f.StringVar(&callFlags.FirstMessage, "first-message", "", "opening line override")
	f.StringVar(&callFlags.VoiceID, "voice-id", "", "voice selector")
	f.StringVar(&callFlags.Language, "language", "", "language tag")
	_ = callCmd.MarkFlagRequired("to")
	_ = callCmd.MarkFlagRequired("agent-id")
}

func runCall(ctx context.Context, placer telephony.CallPlacer, call telephony.OutboundCall, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	placed, err := placer.PlaceCall(ctx, call)
	if err != nil {
		return fmt.Errorf("failed to initiate call: %w", err)
	}
	fmt.Fprintf(out, "✓ Call initiated to %s (sid %s)\n", placed.To, placed.CallSid)
	return nil
}
