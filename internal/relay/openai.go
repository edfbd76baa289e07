package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
	"github.com/tcolgate/mp3"

	apperrors "github.com/harukochan/bot-server-go/internal/errors"
)

const openAIName = "openai"

// Without a decodable MP3 the clip length is estimated per character.
const fallbackMsPerChar = 100

type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	ChatModel string
	TTSModel  string
	TTSVoice  string
	ASRModel  string
}

// OpenAIClient serves chat completion, speech synthesis and transcription
// from an OpenAI-compatible API. The SDK's own retries are off; the relay's
// breaker and retry policy apply instead.
type OpenAIClient struct {
	client openai.Client
	cfg    OpenAIConfig
}

func NewOpenAIClient(cfg OpenAIConfig, opts ...BaseClientOption) *OpenAIClient {
	// Per-call budgets come from the caller's context; this is only a ceiling.
	base := NewBaseClient(openAIName, &http.Client{Timeout: 2 * time.Minute}, opts...)
	return &OpenAIClient{
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			option.WithHTTPClient(base.HTTPClient()),
			option.WithMaxRetries(0),
		),
		cfg: cfg,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt, system string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.ChatModel),
		Messages: messages,
	})
	if err != nil {
		return "", apperrors.External(openAIName, err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", apperrors.External(openAIName, errors.New("empty chat completion"))
	}

	log.Debug().Str("model", c.cfg.ChatModel).Int64("totalTokens", resp.Usage.TotalTokens).Msg("chat completion done")
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Synthesize returns MP3 audio and its length in milliseconds.
func (c *OpenAIClient) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	resp, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(c.cfg.TTSModel),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(c.cfg.TTSVoice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, 0, apperrors.External(openAIName, err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, apperrors.External(openAIName, fmt.Errorf("read audio: %w", err))
	}
	if len(audio) == 0 {
		return nil, 0, apperrors.External(openAIName, errors.New("empty audio"))
	}

	return audio, AudioDurationMs(audio, text), nil
}

// AudioDurationMs measures an MP3 clip by summing its frame durations,
// falling back to a per-character estimate when no frames decode.
func AudioDurationMs(audio []byte, text string) int {
	decoder := mp3.NewDecoder(bytes.NewReader(audio))
	var (
		frame   mp3.Frame
		skipped int
		total   time.Duration
	)
	for {
		if err := decoder.Decode(&frame, &skipped); err != nil {
			break
		}
		total += frame.Duration()
	}

	if total > 0 {
		return int(total.Milliseconds())
	}
	return max(utf8.RuneCountInString(text)*fallbackMsPerChar, 1000)
}

func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	out, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(c.cfg.ASRModel),
		File:  openai.File(bytes.NewReader(audio), filename, "application/octet-stream"),
	})
	if err != nil {
		return "", apperrors.External(openAIName, err)
	}
	return strings.TrimSpace(out.Text), nil
}
