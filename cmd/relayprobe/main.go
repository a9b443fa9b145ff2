package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/liverelay/internal/audio"
	"github.com/antoniostano/liverelay/internal/protocol"
)

type options struct {
	baseURL           string
	contextDesc       string
	tone              int
	texts             []string
	audioTurns        int
	wavPath           string
	sampleRate        int
	toneHz            float64
	utteranceMS       int
	trailingSilenceMS int
	chunkMS           int
	realtime          float64
	turnTimeout       time.Duration
	keepSession       bool
	verbose           bool
}

type createSessionRequest struct {
	ContextDescription string `json:"context_description"`
	ToneParameter      int    `json:"tone_parameter,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type                string `json:"type"`
	Code                string `json:"code,omitempty"`
	Message             string `json:"message,omitempty"`
	Content             string `json:"content,omitempty"`
	HistoryMessageCount int    `json:"history_message_count"`
}

// serverEvent is one frame read from the relay. Binary frames carry
// assistant audio.
type serverEvent struct {
	env    wsEnvelope
	binary bool
	size   int
	at     time.Time
}

type turnResult struct {
	label         string
	firstResponse time.Duration
	turnComplete  time.Duration
	audioBytes    int
}

var defaultTexts = []string{
	"Hi! Can you help me count to five?",
	"What comes after three?",
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	fs.StringVar(&cfg.contextDesc, "context", "Level 1: counting practice", "context_description for the probe session")
	fs.IntVar(&cfg.tone, "tone", 7, "tone_parameter (learner age) for the probe session")
	fs.StringVar(&textsRaw, "texts", "", "text turns separated by '|' (default: built-in prompts)")
	fs.IntVar(&cfg.audioTurns, "audio-turns", 1, "number of audio turns to send after the text turns")
	fs.StringVar(&cfg.wavPath, "wav", "", "optional PCM16 WAV file used for audio turns instead of a synthetic tone")
	fs.IntVar(&cfg.sampleRate, "sample-rate", 16000, "client input sample rate expected by the relay")
	fs.Float64Var(&cfg.toneHz, "tone-hz", 220, "frequency of the synthetic utterance")
	fs.IntVar(&cfg.utteranceMS, "utterance-ms", 1200, "length of the synthetic utterance in milliseconds")
	fs.IntVar(&cfg.trailingSilenceMS, "trailing-silence-ms", 900, "silence appended so upstream voice activity detection ends the turn")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio frame size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for turn_complete per turn in milliseconds")
	fs.BoolVar(&cfg.keepSession, "keep-session", false, "leave the probe session active afterwards")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.sampleRate <= 0 {
		return options{}, fmt.Errorf("sample-rate must be > 0")
	}
	if cfg.audioTurns < 0 {
		cfg.audioTurns = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 && strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultTexts...)
	}
	if len(cfg.texts) == 0 && cfg.audioTurns == 0 {
		return options{}, fmt.Errorf("nothing to send: no text turns and audio-turns=0")
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(ctx context.Context, cfg options, out io.Writer) error {
	logf := func(format string, args ...any) {
		if cfg.verbose {
			fmt.Fprintf(out, "relayprobe: "+format+"\n", args...)
		}
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !cfg.keepSession {
		defer func() {
			_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
		}()
	}

	utterance, err := loadUtterance(cfg)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	dialStarted := time.Now()
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if res != nil {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			return fmt.Errorf("open websocket: HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan serverEvent, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	hello, err := awaitType(events, readErrCh, cfg.turnTimeout, string(protocol.TypeConnection))
	if err != nil {
		return fmt.Errorf("await connection: %w", err)
	}
	connectLatency := hello.at.Sub(dialStarted)
	logf("session=%s connection=%s history_messages=%d", sessionID, connectLatency.Round(time.Millisecond), hello.env.HistoryMessageCount)

	var results []turnResult
	for i, text := range cfg.texts {
		started := time.Now()
		if err := conn.WriteJSON(protocol.ClientText{Type: protocol.TypeText, Content: text}); err != nil {
			return fmt.Errorf("text turn %d send: %w", i+1, err)
		}
		r, err := awaitTurn(events, readErrCh, cfg.turnTimeout, started)
		if err != nil {
			return fmt.Errorf("text turn %d: %w", i+1, err)
		}
		r.label = fmt.Sprintf("text %d", i+1)
		logf("%s first_response=%s turn_complete=%s", r.label, r.firstResponse.Round(time.Millisecond), r.turnComplete.Round(time.Millisecond))
		results = append(results, r)
	}

	for i := 0; i < cfg.audioTurns; i++ {
		sent, err := sendUtterance(conn, utterance, cfg)
		if err != nil {
			return fmt.Errorf("audio turn %d send: %w", i+1, err)
		}
		r, err := awaitTurn(events, readErrCh, cfg.turnTimeout, sent)
		if err != nil {
			return fmt.Errorf("audio turn %d: %w", i+1, err)
		}
		r.label = fmt.Sprintf("audio %d", i+1)
		logf("%s first_response=%s turn_complete=%s audio_bytes=%d", r.label, r.firstResponse.Round(time.Millisecond), r.turnComplete.Round(time.Millisecond), r.audioBytes)
		results = append(results, r)
	}

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done"), time.Now().Add(time.Second))
	printSummary(out, connectLatency, results)
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{
		ContextDescription: cfg.contextDesc,
		ToneParameter:      cfg.tone,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/audio-chat/" + url.PathEscape(sessionID)
	u.RawQuery = ""
	return u.String(), nil
}

// loadUtterance returns PCM16LE at the relay's input rate: the WAV file when
// given, else a faded sine tone, followed by trailing silence.
func loadUtterance(cfg options) ([]byte, error) {
	var pcm []byte
	if strings.TrimSpace(cfg.wavPath) != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return nil, err
		}
		raw, rate, err := audio.DecodeWAVPCM16LE(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", cfg.wavPath, err)
		}
		if rate != cfg.sampleRate {
			samples, err := audio.DecodePCM16LE(raw)
			if err != nil {
				return nil, err
			}
			resampled, err := audio.ResamplePCM16(samples, rate, cfg.sampleRate)
			if err != nil {
				return nil, err
			}
			raw = audio.EncodePCM16LE(resampled)
		}
		pcm = raw
	} else {
		pcm = synthTone(cfg.sampleRate, cfg.toneHz, cfg.utteranceMS, 0.3)
	}
	silence := make([]byte, cfg.sampleRate*2*cfg.trailingSilenceMS/1000)
	return append(pcm, silence...), nil
}

// synthTone renders a sine at the given amplitude with 10ms fades so the
// edges do not click.
func synthTone(rate int, hz float64, ms int, amplitude float64) []byte {
	n := rate * ms / 1000
	fade := rate / 100
	samples := make([]int16, n)
	for i := range samples {
		gain := amplitude
		if fade > 0 {
			if i < fade {
				gain *= float64(i) / float64(fade)
			} else if n-i <= fade {
				gain *= float64(n-i-1) / float64(fade)
			}
		}
		samples[i] = int16(math.Round(gain * 32767 * math.Sin(2*math.Pi*hz*float64(i)/float64(rate))))
	}
	return audio.EncodePCM16LE(samples)
}

// sendUtterance streams pcm as paced binary frames and returns the time the
// last voiced frame left, which is where turn latency is measured from.
func sendUtterance(conn *websocket.Conn, pcm []byte, cfg options) (time.Time, error) {
	bytesPerChunk := cfg.sampleRate * 2 * cfg.chunkMS / 1000
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	pace := time.Duration(float64(time.Duration(cfg.chunkMS)*time.Millisecond) / cfg.realtime)
	voicedEnd := len(pcm) - cfg.sampleRate*2*cfg.trailingSilenceMS/1000

	var lastVoiced time.Time
	for off := 0; off < len(pcm); off += bytesPerChunk {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return time.Time{}, err
		}
		if off < voicedEnd {
			lastVoiced = time.Now()
		}
		time.Sleep(pace)
	}
	if lastVoiced.IsZero() {
		lastVoiced = time.Now()
	}
	return lastVoiced, nil
}

func readLoop(conn *websocket.Conn, events chan<- serverEvent, readErrCh chan<- error) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		ev := serverEvent{at: time.Now()}
		if msgType == websocket.BinaryMessage {
			ev.binary = true
			ev.size = len(data)
		} else if err := json.Unmarshal(data, &ev.env); err != nil {
			continue
		}
		events <- ev
	}
}

func awaitType(events <-chan serverEvent, readErrCh <-chan error, timeout time.Duration, want string) (serverEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if ev.binary {
				continue
			}
			if ev.env.Type == string(protocol.TypeError) {
				return ev, fmt.Errorf("server error %s: %s", ev.env.Code, ev.env.Message)
			}
			if ev.env.Type == want {
				return ev, nil
			}
		case err := <-readErrCh:
			return serverEvent{}, err
		case <-timer.C:
			return serverEvent{}, fmt.Errorf("timeout after %s waiting for %s", timeout, want)
		}
	}
}

// awaitTurn collects one assistant turn. The first response is the first
// text response or audio frame.
func awaitTurn(events <-chan serverEvent, readErrCh <-chan error, timeout time.Duration, started time.Time) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var r turnResult
	for {
		select {
		case ev := <-events:
			switch {
			case ev.binary:
				r.audioBytes += ev.size
				if r.firstResponse == 0 {
					r.firstResponse = ev.at.Sub(started)
				}
			case ev.env.Type == string(protocol.TypeResponse):
				if r.firstResponse == 0 {
					r.firstResponse = ev.at.Sub(started)
				}
			case ev.env.Type == string(protocol.TypeTurnComplete):
				r.turnComplete = ev.at.Sub(started)
				return r, nil
			case ev.env.Type == string(protocol.TypeError):
				return r, fmt.Errorf("server error %s: %s", ev.env.Code, ev.env.Message)
			}
		case err := <-readErrCh:
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return r, fmt.Errorf("relay closed with %d: %s", closeErr.Code, closeErr.Text)
			}
			return r, err
		case <-timer.C:
			return r, fmt.Errorf("timeout after %s waiting for turn_complete", timeout)
		}
	}
}

func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(out io.Writer, connect time.Duration, results []turnResult) {
	var first, total []time.Duration
	for _, r := range results {
		if r.firstResponse > 0 {
			first = append(first, r.firstResponse)
		}
		total = append(total, r.turnComplete)
	}
	fmt.Fprintf(out, "connection_ms=%d turns=%d\n", connect.Milliseconds(), len(results))
	fmt.Fprintf(out, "first_response_ms p50=%d p95=%d\n", percentile(first, 50).Milliseconds(), percentile(first, 95).Milliseconds())
	fmt.Fprintf(out, "turn_complete_ms  p50=%d p95=%d\n", percentile(total, 50).Milliseconds(), percentile(total, 95).Milliseconds())
}
