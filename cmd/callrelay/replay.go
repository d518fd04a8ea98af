package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/callrelay/internal/audio"
	"github.com/ent0n29/callrelay/internal/protocol"
)

const telephonySampleRate = 8000

type replayOptions struct {
	url          string
	agentID      string
	elevenAgent  string
	firstMessage string
	wavPath      string
	silence      time.Duration
	chunkMS      int
	realtime     float64
	hold         time.Duration
	timeout      time.Duration
	verbose      bool
}

type replaySummary struct {
	StreamSid      string
	FramesSent     int
	MediaReceived  int
	ClearsReceived int
	StopReceived   bool
	FirstMedia     time.Duration
	CloseCode      int
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay audio into a running relay as a synthetic telephony stream",
	Long: `replay dials the media stream endpoint the way the telephony provider
does, sends a start event with custom parameters, streams a WAV file (or
silence) as 20ms mu-law frames, then hangs up and reports what came back.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := replayOpts
		if err := opts.normalize(); err != nil {
			return err
		}
		pcm, err := loadReplayAudio(opts)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
		defer cancel()
		summary, err := runReplay(ctx, opts, pcm, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		printReplaySummary(cmd.OutOrStdout(), summary)
		return nil
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.url, "url", "ws://127.0.0.1:8000/outbound-media-stream", "media stream websocket URL")
	f.StringVar(&replayOpts.agentID, "agent-id", "replay", "application agent id sent in customParameters")
	f.StringVar(&replayOpts.elevenAgent, "elevenlabs-agent-id", "", "conversational agent id sent in customParameters")
	f.StringVar(&replayOpts.firstMessage, "first-message", "", "first message override sent in customParameters")
	f.StringVar(&replayOpts.wavPath, "wav", "", "16-bit PCM WAV file to stream (silence when empty)")
	f.DurationVar(&replayOpts.silence, "silence", 3*time.Second, "duration of silence streamed when no WAV is given")
	f.IntVar(&replayOpts.chunkMS, "chunk-ms", 20, "frame size in milliseconds")
	f.Float64Var(&replayOpts.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	f.DurationVar(&replayOpts.hold, "hold", 5*time.Second, "time to keep listening after the audio is sent")
	f.DurationVar(&replayOpts.timeout, "timeout", 2*time.Minute, "overall replay timeout")
	f.BoolVar(&replayOpts.verbose, "verbose", false, "print each received frame")
}

func (o *replayOptions) normalize() error {
	o.url = strings.TrimSpace(o.url)
	if o.url == "" {
		return fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(o.url, "ws://") && !strings.HasPrefix(o.url, "wss://") {
		return fmt.Errorf("url must use ws:// or wss://")
	}
	if o.chunkMS < 10 || o.chunkMS > 2000 {
		return fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if o.realtime <= 0 {
		return fmt.Errorf("realtime must be > 0")
	}
	if o.hold < 0 {
		o.hold = 0
	}
	if o.timeout < time.Second {
		o.timeout = time.Second
	}
	return nil
}

func loadReplayAudio(o replayOptions) ([]byte, error) {
	if o.wavPath == "" {
		samples := int(o.silence.Seconds() * telephonySampleRate)
		return make([]byte, samples*2), nil
	}
	data, err := os.ReadFile(o.wavPath)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	pcm, rate, err := decodeWAVPCM16(data)
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return downsampleTo8k(pcm, rate)
}

func runReplay(ctx context.Context, o replayOptions, pcm []byte, log io.Writer) (replaySummary, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.url, nil)
	if err != nil {
		return replaySummary{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	summary := replaySummary{StreamSid: "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")}
	callSid := "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")

	start := map[string]any{
		"event":     "start",
		"streamSid": summary.StreamSid,
		"start": map[string]any{
			"streamSid": summary.StreamSid,
			"callSid":   callSid,
			"tracks":    []string{"inbound"},
			"mediaFormat": protocol.MediaFormat{
				Encoding:   "audio/x-mulaw",
				SampleRate: telephonySampleRate,
				Channels:   1,
			},
			"customParameters": replayParameters(o),
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		return summary, fmt.Errorf("send start: %w", err)
	}
	sentAt := time.Now()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readReplay(conn, &summary, sentAt, log, o.verbose)
	}()
	// The reader owns summary's received fields until done is closed.
	finish := func(err error) (replaySummary, error) {
		_ = conn.Close()
		<-done
		return summary, err
	}

	frames := mulawFrames(pcm, o.chunkMS)
	pace := time.Duration(float64(time.Duration(o.chunkMS)*time.Millisecond) / o.realtime)
	ticker := time.NewTicker(pace)
	defer ticker.Stop()
	for i, payload := range frames {
		msg := map[string]any{
			"event":     "media",
			"streamSid": summary.StreamSid,
			"media": map[string]string{
				"track":     "inbound",
				"chunk":     strconv.Itoa(i + 1),
				"timestamp": strconv.Itoa(i * o.chunkMS),
				"payload":   payload,
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			return finish(nil)
		}
		summary.FramesSent++
		select {
		case <-ctx.Done():
			return finish(ctx.Err())
		case <-done:
			return summary, nil
		case <-ticker.C:
		}
	}

	hold := time.NewTimer(o.hold)
	defer hold.Stop()
	select {
	case <-ctx.Done():
		return finish(ctx.Err())
	case <-done:
		return summary, nil
	case <-hold.C:
	}

	stop := map[string]any{
		"event":     "stop",
		"streamSid": summary.StreamSid,
		"stop":      map[string]string{"callSid": callSid},
	}
	if err := conn.WriteJSON(stop); err != nil {
		return finish(nil)
	}
	select {
	case <-done:
		return summary, nil
	case <-ctx.Done():
		return finish(ctx.Err())
	}
}

func replayParameters(o replayOptions) map[string]string {
	params := map[string]string{"agentId": o.agentID}
	if o.elevenAgent != "" {
		params["elevenLabsAgentId"] = o.elevenAgent
	}
	if o.firstMessage != "" {
		params["first_message"] = o.firstMessage
	}
	return params
}

// readReplay consumes relay frames until the socket closes. summary is only
// read by the caller after done is closed.
func readReplay(conn *websocket.Conn, summary *replaySummary, sentAt time.Time, log io.Writer, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				summary.CloseCode = ce.Code
			}
			return
		}
		var env struct {
			Event protocol.EventType `json:"event"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if verbose {
			fmt.Fprintf(log, "replay: <- %s\n", env.Event)
		}
		switch env.Event {
		case protocol.EventMedia:
			if summary.MediaReceived == 0 {
				summary.FirstMedia = time.Since(sentAt)
			}
			summary.MediaReceived++
		case protocol.EventClear:
			summary.ClearsReceived++
		case protocol.EventStop:
			summary.StopReceived = true
		}
	}
}

func printReplaySummary(w io.Writer, s replaySummary) {
	fmt.Fprintf(w, "stream=%s frames_sent=%d media_received=%d clears=%d stop_received=%t close_code=%d",
		s.StreamSid, s.FramesSent, s.MediaReceived, s.ClearsReceived, s.StopReceived, s.CloseCode)
	if s.MediaReceived > 0 {
		fmt.Fprintf(w, " first_media_ms=%d", s.FirstMedia.Milliseconds())
	}
	fmt.Fprintln(w)
}

// mulawFrames splits 8kHz PCM16LE into base64 mu-law payloads of chunkMS each.
func mulawFrames(pcm []byte, chunkMS int) []string {
	step := telephonySampleRate * 2 * chunkMS / 1000
	if step < 2 {
		step = 2
	}
	var out []string
	for off := 0; off+1 < len(pcm); off += step {
		end := off + step
		if end > len(pcm) {
			end = len(pcm) &^ 1
		}
		out = append(out, base64.StdEncoding.EncodeToString(audio.EncodeMulaw(pcm[off:end])))
	}
	return out
}

// downsampleTo8k averages groups of samples when rate is a multiple of 8kHz.
func downsampleTo8k(pcm []byte, rate int) ([]byte, error) {
	if rate == telephonySampleRate {
		return pcm, nil
	}
	if rate < telephonySampleRate || rate%telephonySampleRate != 0 {
		return nil, fmt.Errorf("unsupported wav sample rate %d (need a multiple of %d)", rate, telephonySampleRate)
	}
	factor := rate / telephonySampleRate
	n := len(pcm) / 2 / factor
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		sum := 0
		for j := 0; j < factor; j++ {
			off := (i*factor + j) * 2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off : off+2])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/factor)))
	}
	return out, nil
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcmData) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case audioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = telephonySampleRate
	}

	if channels == 1 {
		return pcmData[:len(pcmData)&^1], sampleRate, nil
	}

	frameBytes := int(channels) * 2
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
