package ai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog"

	"github.com/vibeme/voice-agent/internal/audio"
	"github.com/vibeme/voice-agent/internal/config"
	"github.com/vibeme/voice-agent/internal/observability"
	"github.com/vibeme/voice-agent/internal/resilience"
)

// OpenAIClient implements Transcriber, Responder and Synthesizer against the
// OpenAI API (whisper transcription, chat completion, tts speech). Each
// capability sits behind its own circuit breaker so a broken transcription
// endpoint does not take synthesis down with it.
type OpenAIClient struct {
	cfg    *config.Config
	client openai.Client
	logger zerolog.Logger

	sttBreaker *resilience.CircuitBreaker
	llmBreaker *resilience.CircuitBreaker
	ttsBreaker *resilience.CircuitBreaker
}

// NewOpenAIClient creates a client from config. The caller is responsible
// for checking cfg.Degraded() before constructing one.
func NewOpenAIClient(cfg *config.Config) *OpenAIClient {
	return &OpenAIClient{
		cfg:        cfg,
		client:     openai.NewClient(option.WithAPIKey(cfg.OpenAIAPIKey)),
		logger:     observability.GetLogger().With().Str("component", "openai").Logger(),
		sttBreaker: resilience.NewCircuitBreaker("transcribe", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		llmBreaker: resilience.NewCircuitBreaker("generate", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		ttsBreaker: resilience.NewCircuitBreaker("synthesize", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
	}
}

// Transcribe uploads the samples as a WAV clip to the transcription API.
func (c *OpenAIClient) Transcribe(ctx context.Context, samples []int16, language string) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	wavData, err := audio.EncodeWAV(samples, c.cfg.SampleRate)
	if err != nil {
		return "", fmt.Errorf("encode transcription clip: %w", err)
	}

	params := openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(c.cfg.TranscribeModel),
		File:  openai.File(bytes.NewReader(wavData), "clip.wav", "audio/wav"),
	}
	if language != "" {
		params.Language = openai.String(language)
	}

	var text string
	err = c.sttBreaker.Call(func() error {
		resp, err := c.client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			return fmt.Errorf("transcription request: %w", err)
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug().Int("samples", len(samples)).Str("text", text).Msg("Transcription complete")
	return text, nil
}

// Reply sends the conversation to the chat completion API with the fixed
// persona prompt and bounded output length.
func (c *OpenAIClient) Reply(ctx context.Context, userText string, history []Message) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(c.cfg.SystemPrompt))
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userText))

	var reply string
	err := c.llmBreaker.Call(func() error {
		completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:       openai.ChatModel(c.cfg.ChatModel),
			Messages:    messages,
			MaxTokens:   openai.Int(int64(c.cfg.MaxReplyTokens)),
			Temperature: openai.Float(c.cfg.Temperature),
		})
		if err != nil {
			return fmt.Errorf("chat completion request: %w", err)
		}
		if len(completion.Choices) == 0 {
			return fmt.Errorf("chat completion returned no choices")
		}
		reply = strings.TrimSpace(completion.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", fmt.Errorf("chat completion returned empty reply")
	}
	return reply, nil
}

// Synthesize converts assistant text to MP3 audio via the speech API.
func (c *OpenAIClient) Synthesize(ctx context.Context, text string) (*Speech, error) {
	var data []byte
	err := c.ttsBreaker.Call(func() error {
		resp, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
			Model:          openai.SpeechModel(c.cfg.SpeechModel),
			Voice:          openai.AudioSpeechNewParamsVoice(c.cfg.SpeechVoice),
			Input:          text,
			ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
		})
		if err != nil {
			return fmt.Errorf("speech request: %w", err)
		}
		defer resp.Body.Close()
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read speech audio: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Speech{Audio: data, ContentType: "audio/mpeg"}, nil
}
