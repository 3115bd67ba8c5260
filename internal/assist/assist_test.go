package assist

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/contactspidey/mail-infra/internal/apperr"
)

func TestParseDraft(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantSubject string
		wantBody    string
		wantErr     bool
	}{
		{
			name:        "clean json",
			content:     `{"subject": "Hello", "body": "Hi Bob"}`,
			wantSubject: "Hello",
			wantBody:    "Hi Bob",
		},
		{
			name:        "json code fence",
			content:     "```json\n{\"subject\": \"Hello\", \"body\": \"Hi Bob\"}\n```",
			wantSubject: "Hello",
			wantBody:    "Hi Bob",
		},
		{
			name:        "bare code fence",
			content:     "```\n{\"subject\": \"Hello\", \"body\": \"Hi Bob\"}\n```",
			wantSubject: "Hello",
			wantBody:    "Hi Bob",
		},
		{
			name:        "json wrapped in prose",
			content:     "Sure! Here is your email:\n{\"subject\": \"Hello\", \"body\": \"Hi Bob\"}\nLet me know if you need changes.",
			wantSubject: "Hello",
			wantBody:    "Hi Bob",
		},
		{
			name:    "no json at all",
			content: "I cannot help with that.",
			wantErr: true,
		},
		{
			name:    "empty object",
			content: "{}",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft, err := ParseDraft(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDraft(%q) = %+v, want error", tt.content, draft)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDraft: %v", err)
			}
			if draft.Subject != tt.wantSubject || draft.Body != tt.wantBody {
				t.Errorf("draft = %+v, want subject=%q body=%q", draft, tt.wantSubject, tt.wantBody)
			}
		})
	}
}

type fakeKeys struct {
	selected string
	keys     map[string]string
}

func (f *fakeKeys) SelectedKey(context.Context, string) (string, error) {
	return f.selected, nil
}

func (f *fakeKeys) EncryptedKey(_ context.Context, _ string, keyType string) (string, error) {
	v, ok := f.keys[keyType]
	if !ok {
		return "", apperr.NotFound("key not found for this user")
	}
	return v, nil
}

type passthroughCrypto struct{}

func (passthroughCrypto) Decrypt(encoded string) (string, error) { return encoded, nil }

type fakeCompleter struct {
	content string
	gotReq  openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.gotReq = req
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

func TestGenerateUsesSelectedProvider(t *testing.T) {
	fc := &fakeCompleter{content: `{"subject": "Meeting", "body": "Tomorrow at 10."}`}
	var gotKey, gotBase string
	a := &Assistant{
		Keys:   &fakeKeys{selected: KeyTypeDeepSeek, keys: map[string]string{KeyTypeDeepSeek: "sk-123"}},
		Crypto: passthroughCrypto{},
		newClient: func(apiKey, baseURL string) completer {
			gotKey, gotBase = apiKey, baseURL
			return fc
		},
	}

	draft, err := a.Generate(context.Background(), "alice@example.com", "schedule a meeting")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if draft.Subject != "Meeting" {
		t.Errorf("Subject = %q", draft.Subject)
	}
	if gotKey != "sk-123" {
		t.Errorf("api key = %q", gotKey)
	}
	if gotBase != providers[KeyTypeDeepSeek].baseURL {
		t.Errorf("base URL = %q", gotBase)
	}
	if fc.gotReq.Model != providers[KeyTypeDeepSeek].model {
		t.Errorf("model = %q", fc.gotReq.Model)
	}
}

func TestGenerateWithoutSelectedKey(t *testing.T) {
	a := &Assistant{
		Keys:   &fakeKeys{},
		Crypto: passthroughCrypto{},
	}

	_, err := a.Generate(context.Background(), "alice@example.com", "anything")
	if !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestImproveRejectsUnknownAction(t *testing.T) {
	a := &Assistant{
		Keys:   &fakeKeys{selected: KeyTypeGemini, keys: map[string]string{KeyTypeGemini: "k"}},
		Crypto: passthroughCrypto{},
		newClient: func(string, string) completer {
			return &fakeCompleter{content: "Better text."}
		},
	}

	if _, err := a.Improve(context.Background(), "alice@example.com", "translate", "Hi"); !apperr.Is(err, apperr.CodeValidationFailed) {
		t.Fatalf("err = %v, want VALIDATION_FAILED", err)
	}

	improved, err := a.Improve(context.Background(), "alice@example.com", "shorten", "Hi there, I hope this finds you well.")
	if err != nil {
		t.Fatalf("Improve: %v", err)
	}
	if improved != "Better text." {
		t.Errorf("improved = %q", improved)
	}
}
