package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/grant"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/types"
)

const (
	// fileSeparator interleaves decrypted file contents inside {{data}}
	fileSeparator = "\n\n---\n\n"

	truncationNotice = "\n\n[NOTE: input data was truncated to fit the prompt size limit]"

	jsonInstruction = "\n\nIMPORTANT: Respond with a single valid JSON object only. " +
		"No prose, no markdown fences, no explanation before or after the object."
)

// Provider submits granted prompts to a remote inference service. It is
// stateless apart from the id -> response_format bookkeeping needed to
// post-process JSON-mode outputs on poll.
type Provider struct {
	client        *Client
	maxPromptSize int

	mu          sync.Mutex
	jsonFormats map[string]bool // prediction id -> JSON mode requested
}

// ProviderConfig holds LLM provider settings
type ProviderConfig struct {
	Client        *Client
	MaxPromptSize int
}

// NewProvider creates the remote LLM provider
func NewProvider(cfg ProviderConfig) *Provider {
	maxSize := cfg.MaxPromptSize
	if maxSize <= 0 {
		maxSize = 100_000
	}
	return &Provider{
		client:        cfg.Client,
		maxPromptSize: maxSize,
		jsonFormats:   make(map[string]bool),
	}
}

// Execute submits a prediction built from the grant's prompt template and
// the decrypted file contents. It returns once the remote accepts.
func (p *Provider) Execute(ctx context.Context, g *types.Grant, filesContent [][]byte, execCtx types.ExecContext) (*types.CreateResponse, error) {
	template, _ := g.Parameters["prompt"].(string)
	if template == "" {
		return nil, errdefs.GrantValidation("remote LLM grant missing parameters.prompt")
	}

	prompt := p.buildPrompt(template, filesContent)

	wantJSON := grant.WantsJSON(g)
	if wantJSON {
		prompt += jsonInstruction
	}

	pred, err := p.client.Submit(ctx, prompt)
	if err != nil {
		return nil, err
	}

	if wantJSON {
		p.mu.Lock()
		p.jsonFormats[pred.ID] = true
		p.mu.Unlock()
	}

	log.WithOperationID(pred.ID).Info().
		Str("operation", g.Operation).
		Int64("permission_id", execCtx.PermissionID).
		Int("prompt_bytes", len(prompt)).
		Msg("prediction submitted")

	createdAt := pred.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &types.CreateResponse{ID: pred.ID, CreatedAt: createdAt}, nil
}

// Get polls the remote prediction and renders it as an operation view.
// JSON-mode outputs are post-processed with the extraction rules; the
// format record is dropped on any terminal state.
func (p *Provider) Get(ctx context.Context, opID string) (*types.OperationView, error) {
	pred, err := p.client.Get(ctx, opID)
	if err != nil {
		return nil, err
	}

	status := mapRemoteStatus(pred.Status)
	view := &types.OperationView{ID: opID, Status: status}

	if !status.Terminal() {
		return view, nil
	}

	p.mu.Lock()
	wantJSON := p.jsonFormats[opID]
	delete(p.jsonFormats, opID)
	p.mu.Unlock()

	switch status {
	case types.StatusSucceeded:
		text := OutputText(pred.Output)
		if wantJSON {
			obj, err := ExtractJSONObject(text, true)
			if err != nil {
				view.Result = map[string]interface{}{
					"error":         "json_parse_failed",
					"error_message": err.Error(),
					"raw_response":  text,
				}
			} else {
				view.Result = obj
			}
		} else {
			view.Result = text
		}
	case types.StatusFailed:
		view.Error = pred.Error
	}

	return view, nil
}

// Cancel issues a remote cancellation
func (p *Provider) Cancel(ctx context.Context, opID string) (bool, error) {
	accepted, err := p.client.Cancel(ctx, opID)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	delete(p.jsonFormats, opID)
	p.mu.Unlock()

	return accepted, nil
}

// buildPrompt substitutes {{data}} with the joined file contents, capping
// the substituted data so the final prompt stays within the size limit.
func (p *Provider) buildPrompt(template string, filesContent [][]byte) string {
	parts := make([]string, len(filesContent))
	for i, content := range filesContent {
		parts[i] = string(content)
	}
	data := strings.Join(parts, fileSeparator)

	budget := p.maxPromptSize - len(template) + len("{{data}}")
	if budget < 0 {
		budget = 0
	}
	if len(data) > budget {
		cut := budget - len(truncationNotice)
		if cut < 0 {
			cut = 0
		}
		data = data[:cut] + truncationNotice
	}

	return strings.Replace(template, "{{data}}", data, 1)
}

// mapRemoteStatus translates predictions-API states onto operation statuses
func mapRemoteStatus(remote string) types.OperationStatus {
	switch remote {
	case "starting", "processing":
		return types.StatusRunning
	case "succeeded":
		return types.StatusSucceeded
	case "failed":
		return types.StatusFailed
	case "canceled":
		return types.StatusCancelled
	default:
		return types.StatusPending
	}
}

