// Package assist drafts and rewrites email content with the user's own
// LLM key. Keys are stored encrypted per user; the provider is picked from
// the user's currently selected key type.
package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/contactspidey/mail-infra/internal/apperr"
)

// Supported key types, matching what the key store records.
const (
	KeyTypeGemini   = "gemini_api_key"
	KeyTypeDeepSeek = "deepseek_v3_key"
)

type provider struct {
	baseURL string
	model   string
}

// Both providers expose OpenAI-compatible chat endpoints, so one client
// library covers them.
var providers = map[string]provider{
	KeyTypeGemini: {
		baseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
		model:   "gemini-2.0-flash",
	},
	KeyTypeDeepSeek: {
		baseURL: "https://api.deepseek.com/v1",
		model:   "deepseek-chat",
	},
}

// KeyTypes lists the key types the assistant can drive.
func KeyTypes() []string {
	return []string{KeyTypeGemini, KeyTypeDeepSeek}
}

// IsSupportedKeyType reports whether keyType names a usable provider.
func IsSupportedKeyType(keyType string) bool {
	_, ok := providers[keyType]
	return ok
}

// KeyStore resolves a user's decrypted LLM key.
type KeyStore interface {
	SelectedKey(ctx context.Context, userEmail string) (string, error)
	EncryptedKey(ctx context.Context, userEmail, keyType string) (string, error)
}

// Decryptor recovers the stored key material.
type Decryptor interface {
	Decrypt(encoded string) (string, error)
}

// completer is the one go-openai call the assistant makes. Swapped in tests.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Assistant generates and improves email drafts.
type Assistant struct {
	Keys   KeyStore
	Crypto Decryptor

	// newClient is swapped in tests; nil means real go-openai clients.
	newClient func(apiKey, baseURL string) completer
}

// EmailDraft is the generated subject and body.
type EmailDraft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Improvement actions and their instructions.
var improveActions = map[string]string{
	"shorten":      "Make this email shorter and more concise while keeping all key information.",
	"lengthen":     "Expand this email with more detail and context while keeping the same intent.",
	"formal":       "Rewrite this email in a more formal, professional tone.",
	"casual":       "Rewrite this email in a more casual, friendly tone.",
	"proofread":    "Fix any grammar, spelling and punctuation mistakes in this email. Keep the wording otherwise unchanged.",
	"professional": "Rewrite this email to sound polished and professional.",
}

// ImproveActions lists the supported improvement actions.
func ImproveActions() []string {
	actions := make([]string, 0, len(improveActions))
	for a := range improveActions {
		actions = append(actions, a)
	}
	return actions
}

func (a *Assistant) client(ctx context.Context, userEmail string) (completer, string, error) {
	keyType, err := a.Keys.SelectedKey(ctx, userEmail)
	if err != nil {
		return nil, "", apperr.Internal(err, "failed to resolve selected key")
	}
	if keyType == "" {
		return nil, "", apperr.NotFound("no LLM key selected for this user")
	}
	p, ok := providers[keyType]
	if !ok {
		return nil, "", apperr.ValidationFailed(fmt.Sprintf("unsupported key type %q", keyType))
	}

	encrypted, err := a.Keys.EncryptedKey(ctx, userEmail, keyType)
	if err != nil {
		return nil, "", err
	}
	apiKey, err := a.Crypto.Decrypt(encrypted)
	if err != nil {
		return nil, "", apperr.Internal(err, "failed to decrypt LLM key")
	}

	build := a.newClient
	if build == nil {
		build = func(apiKey, baseURL string) completer {
			cfg := openai.DefaultConfig(apiKey)
			cfg.BaseURL = baseURL
			return openai.NewClientWithConfig(cfg)
		}
	}
	return build(apiKey, p.baseURL), p.model, nil
}

// Generate drafts an email from a free-form prompt.
func (a *Assistant) Generate(ctx context.Context, userEmail, prompt string) (*EmailDraft, error) {
	client, model, err := a.client(ctx, userEmail)
	if err != nil {
		return nil, err
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: `You write emails. Respond with ONLY a JSON object of the form ` +
					`{"subject": "...", "body": "..."} and nothing else. The body is plain text.`,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, apperr.RemoteUnavailable(err, "LLM request failed")
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.RemoteUnavailable(nil, "LLM returned no choices")
	}

	draft, err := ParseDraft(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, apperr.Internal(err, "LLM returned unparseable draft")
	}
	return draft, nil
}

// Improve rewrites an existing draft according to the named action.
func (a *Assistant) Improve(ctx context.Context, userEmail, action, body string) (string, error) {
	instruction, ok := improveActions[action]
	if !ok {
		return "", apperr.ValidationFailed(fmt.Sprintf("unknown action %q", action))
	}

	client, model, err := a.client(ctx, userEmail)
	if err != nil {
		return "", err
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: instruction +
					" Respond with ONLY the rewritten email body as plain text, no preamble.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: body,
			},
		},
		Temperature: 0.5,
	})
	if err != nil {
		return "", apperr.RemoteUnavailable(err, "LLM request failed")
	}
	if len(resp.Choices) == 0 {
		return "", apperr.RemoteUnavailable(nil, "LLM returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// ParseDraft extracts the subject/body JSON from an LLM response. Models
// routinely wrap JSON in code fences or prose despite instructions.
func ParseDraft(content string) (*EmailDraft, error) {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var draft EmailDraft
	if err := json.Unmarshal([]byte(text), &draft); err != nil {
		match := jsonObjectRe.FindString(text)
		if match == "" {
			return nil, fmt.Errorf("no JSON object in response")
		}
		if err := json.Unmarshal([]byte(match), &draft); err != nil {
			return nil, fmt.Errorf("failed to parse draft JSON: %w", err)
		}
	}
	if draft.Subject == "" && draft.Body == "" {
		return nil, fmt.Errorf("draft has neither subject nor body")
	}
	return &draft, nil
}
