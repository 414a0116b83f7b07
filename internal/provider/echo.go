package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/John-Rood/MemoryRouter-sub003/pkg/types"
)

// TypeEcho selects the echo provider.
const TypeEcho = "echo"

// Echo answers with the last user message and the size of the injected
// memory. It lets the server run end to end without an LLM.
type Echo struct{}

// NewEcho creates an echo provider.
func NewEcho() *Echo { return &Echo{} }

// Name returns the provider identifier.
func (Echo) Name() string { return TypeEcho }

// ChatCompletion echoes the request.
func (Echo) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, last := req.LastUserMessage()
	system := 0
	for _, m := range req.Messages {
		if m.Role == "system" {
			system += len(m.Text())
		}
	}
	return &types.ChatResponse{
		ID:      "echo-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []types.Choice{{
			Message:      types.NewTextMessage("assistant", fmt.Sprintf("echo: %s (context chars: %d)", last, system)),
			FinishReason: "stop",
		}},
	}, nil
}
