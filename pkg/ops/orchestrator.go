package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/datahive/personal-server/pkg/chain"
	"github.com/datahive/personal-server/pkg/crypto"
	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/grant"
	"github.com/datahive/personal-server/pkg/identity"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/metrics"
	"github.com/datahive/personal-server/pkg/provider"
	"github.com/datahive/personal-server/pkg/types"
)

// ContentFetcher is the slice of the fetcher the orchestrator needs
type ContentFetcher interface {
	Fetch(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// Orchestrator wires authorization, data acquisition and dispatch into the
// create/get/cancel operation surface.
type Orchestrator struct {
	chain        chain.Registry
	fetcher      ContentFetcher
	deriver      *identity.Deriver
	verifier     *identity.Verifier
	registry     *provider.Registry
	maxFileBytes int64
	defaultOp    string
}

// Config holds orchestrator dependencies
type Config struct {
	Chain        chain.Registry
	Fetcher      ContentFetcher
	Deriver      *identity.Deriver
	Verifier     *identity.Verifier
	Registry     *provider.Registry
	MaxFileBytes int64
}

// New creates the orchestrator
func New(cfg Config) *Orchestrator {
	maxBytes := cfg.MaxFileBytes
	if maxBytes == 0 {
		maxBytes = 100 << 20
	}
	return &Orchestrator{
		chain:        cfg.Chain,
		fetcher:      cfg.Fetcher,
		deriver:      cfg.Deriver,
		verifier:     cfg.Verifier,
		registry:     cfg.Registry,
		maxFileBytes: maxBytes,
		defaultOp:    types.OperationRemoteLLM,
	}
}

// Create authorizes and dispatches one operation. The signature covers the
// raw request body; grant validation strictly precedes decryption, and
// decryption strictly precedes dispatch.
func (o *Orchestrator) Create(ctx context.Context, requestJSON []byte, signature string) (*types.CreateResponse, error) {
	var req types.OperationRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return nil, errdefs.Validation("request body is not valid JSON")
	}
	if req.PermissionID <= 0 {
		return nil, errdefs.Validation("permission_id must be a positive integer")
	}

	signer, err := o.verifier.RecoverSigner(requestJSON, signature)
	if err != nil {
		return nil, err
	}

	perm, err := o.chain.FetchPermission(ctx, big.NewInt(req.PermissionID))
	if err != nil {
		return nil, err
	}
	if len(perm.FileIDs) == 0 {
		return nil, errdefs.Validation("permission %d grants no files", req.PermissionID)
	}

	grantee, err := o.chain.FetchGrantee(ctx, perm.GranteeID)
	if err != nil {
		return nil, err
	}
	if !identity.SameAddress(signer.Hex(), grantee.GranteeAddress) {
		log.WithAddress(signer.Hex()).Warn().
			Int64("permission_id", req.PermissionID).
			Msg("create rejected: signer is not the grantee")
		return nil, errdefs.Authentication("signer %s is not the permission grantee", signer.Hex())
	}

	grantBytes, err := o.fetcher.Fetch(ctx, perm.Grant, o.maxFileBytes)
	if err != nil {
		return nil, err
	}
	g, err := grant.Validate(grantBytes, grantee.GranteeAddress, time.Now())
	if err != nil {
		return nil, err
	}
	log.WithPermissionID(req.PermissionID).Debug().
		Str("operation", g.Operation).
		Int("files", len(perm.FileIDs)).
		Msg("grant validated")

	filesContent, err := o.decryptFiles(ctx, perm)
	if err != nil {
		return nil, err
	}

	prov, err := o.registry.Get(g.Operation)
	if err != nil {
		return nil, err
	}

	execCtx := types.ExecContext{
		Grantor:      perm.Grantor,
		Grantee:      grantee.GranteeAddress,
		PermissionID: req.PermissionID,
	}

	resp, err := prov.Execute(ctx, g, filesContent, execCtx)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues(g.Operation, "dispatch_error").Inc()
		return nil, err
	}
	if resp.ID == "" {
		resp.ID = fmt.Sprintf("%s_%d", g.Operation, time.Now().UnixMilli())
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now()
	}

	metrics.OperationsTotal.WithLabelValues(g.Operation, "created").Inc()
	log.WithOperationID(resp.ID).Info().
		Str("operation", g.Operation).
		Int64("permission_id", req.PermissionID).
		Int("files", len(filesContent)).
		Msg("operation dispatched")

	return resp, nil
}

// decryptFiles fetches and decrypts every granted file in declared order
func (o *Orchestrator) decryptFiles(ctx context.Context, perm *types.Permission) ([][]byte, error) {
	serverID, err := o.deriver.Derive(perm.Grantor)
	if err != nil {
		return nil, err
	}

	contents := make([][]byte, 0, len(perm.FileIDs))
	for _, fileID := range perm.FileIDs {
		file, err := o.chain.FetchFile(ctx, fileID)
		if err != nil {
			return nil, err
		}
		sealedKey, err := o.chain.FetchFileKey(ctx, fileID, serverID.Address)
		if err != nil {
			return nil, err
		}

		encrypted, err := o.fetcher.Fetch(ctx, file.StorageURL, o.maxFileBytes)
		if err != nil {
			return nil, err
		}

		payloadKey, err := crypto.DecryptEnvelope(sealedKey, serverID.PrivateKey)
		if err != nil {
			return nil, err
		}
		plaintext, err := crypto.DecryptPayload(encrypted, payloadKey)
		crypto.Zeroize(payloadKey)
		if err != nil {
			return nil, err
		}

		contents = append(contents, plaintext)
	}
	return contents, nil
}

// Get routes a status query. Agent-originated ids carry a registered
// prefix; everything else goes to the default remote LLM provider.
func (o *Orchestrator) Get(ctx context.Context, opID string) (*types.OperationView, error) {
	prov, err := o.route(opID)
	if err != nil {
		return nil, err
	}
	return prov.Get(ctx, opID)
}

// Cancel routes a best-effort cancellation
func (o *Orchestrator) Cancel(ctx context.Context, opID string) (bool, error) {
	prov, err := o.route(opID)
	if err != nil {
		return false, err
	}
	return prov.Cancel(ctx, opID)
}

// route picks the provider responsible for an operation id
func (o *Orchestrator) route(opID string) (provider.Provider, error) {
	if opID == "" {
		return nil, errdefs.Validation("operation id must not be empty")
	}
	if op, ok := o.registry.OperationFromID(opID); ok {
		return o.registry.Get(op)
	}
	return o.registry.Get(o.defaultOp)
}
