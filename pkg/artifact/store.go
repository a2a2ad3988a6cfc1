package artifact

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"time"

	"github.com/datahive/personal-server/pkg/crypto"
	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/identity"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/metrics"
	"github.com/datahive/personal-server/pkg/types"
)

// Store persists agent artifacts encrypted at rest. Each operation gets a
// fresh symmetric key, sealed to the grantee's derived server key; the
// plaintext key lives only for the duration of a Write or Read call.
type Store struct {
	backend  Backend
	deriver  *identity.Deriver
	verifier *identity.Verifier
	ttl      time.Duration
}

// StoreConfig holds artifact store settings
type StoreConfig struct {
	Backend  Backend
	Deriver  *identity.Deriver
	Verifier *identity.Verifier
	TTL      time.Duration
}

// NewStore creates the artifact store
func NewStore(cfg StoreConfig) *Store {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{
		backend:  cfg.Backend,
		deriver:  cfg.Deriver,
		verifier: cfg.Verifier,
		ttl:      ttl,
	}
}

func artifactKey(opID, path string) string {
	return "operations/" + opID + "/artifacts/" + path
}

// storagePath is the identifier an artifact is stored and listed under:
// the workspace-relative path when the collector recorded one, else the
// base name.
func storagePath(a types.ExecArtifact) string {
	if a.RelativePath != "" {
		return a.RelativePath
	}
	return a.Name
}

func metadataKey(opID string) string {
	return "operations/" + opID + "/metadata.json"
}

// Write encrypts and uploads the artifacts of one operation and persists
// the metadata sidecar. The per-operation key is zeroized before return.
func (s *Store) Write(ctx context.Context, execCtx types.ExecContext, artifacts []types.ExecArtifact) (*types.ArtifactMetadata, error) {
	payloadKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, payloadKey); err != nil {
		return nil, errdefs.Internal(err, "failed to generate artifact key")
	}
	defer crypto.Zeroize(payloadKey)

	granteeID, err := s.deriver.Derive(execCtx.Grantee)
	if err != nil {
		return nil, err
	}

	sealedKey, err := crypto.SealEnvelope(payloadKey, granteeID.PublicKey)
	if err != nil {
		return nil, err
	}

	meta := &types.ArtifactMetadata{
		OperationID:         execCtx.OperationID,
		GrantorAddress:      execCtx.Grantor,
		GranteeAddress:      execCtx.Grantee,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(s.ttl),
		EncryptedPayloadKey: sealedKey,
	}

	for _, artifact := range artifacts {
		encrypted, err := crypto.EncryptPayload(artifact.Bytes, payloadKey)
		if err != nil {
			return nil, err
		}

		// Objects are keyed by the workspace-relative path so artifacts
		// sharing a base name in different subdirectories stay distinct.
		path := storagePath(artifact)
		if err := s.backend.Put(ctx, artifactKey(execCtx.OperationID, path), encrypted); err != nil {
			return nil, fmt.Errorf("failed to upload artifact %s: %w", path, err)
		}

		checksum := sha256.Sum256(artifact.Bytes)
		meta.Artifacts = append(meta.Artifacts, types.ArtifactInfo{
			Name:        artifact.Name,
			Size:        artifact.Size,
			ContentType: contentTypeFor(path),
			Checksum:    hex.EncodeToString(checksum[:]),
			Path:        path,
		})

		metrics.ArtifactBytesTotal.Add(float64(len(artifact.Bytes)))
		metrics.ArtifactsStoredTotal.Inc()
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, errdefs.Internal(err, "failed to encode metadata")
	}
	if err := s.backend.Put(ctx, metadataKey(execCtx.OperationID), encoded); err != nil {
		return nil, fmt.Errorf("failed to persist metadata: %w", err)
	}

	log.WithOperationID(execCtx.OperationID).Info().
		Int("artifacts", len(meta.Artifacts)).
		Time("expires_at", meta.ExpiresAt).
		Msg("artifacts stored")

	return meta, nil
}

// Read returns the decrypted bytes and content type of one artifact,
// identified by its listed path. The request must be signed by the
// operation's grantor or grantee.
func (s *Store) Read(ctx context.Context, opID, path string, message []byte, signature string) ([]byte, string, error) {
	meta, err := s.authorize(ctx, opID, message, signature)
	if err != nil {
		return nil, "", err
	}

	listed := false
	for _, info := range meta.Artifacts {
		if info.Path == path {
			listed = true
			break
		}
	}
	if !listed {
		return nil, "", errdefs.NotFound("artifact %s not found in operation %s", path, opID)
	}

	encrypted, err := s.backend.Get(ctx, artifactKey(opID, path))
	if err != nil {
		return nil, "", err
	}

	granteeID, err := s.deriver.Derive(meta.GranteeAddress)
	if err != nil {
		return nil, "", err
	}

	payloadKey, err := crypto.DecryptEnvelope(meta.EncryptedPayloadKey, granteeID.PrivateKey)
	if err != nil {
		return nil, "", err
	}
	defer crypto.Zeroize(payloadKey)

	plaintext, err := crypto.DecryptPayload(encrypted, payloadKey)
	if err != nil {
		return nil, "", err
	}

	return plaintext, contentTypeFor(path), nil
}

// List returns the artifact metadata of one operation without any bytes
func (s *Store) List(ctx context.Context, opID string, message []byte, signature string) ([]types.ArtifactInfo, error) {
	meta, err := s.authorize(ctx, opID, message, signature)
	if err != nil {
		return nil, err
	}
	return meta.Artifacts, nil
}

// authorize resolves metadata and checks the request signature and expiry
func (s *Store) authorize(ctx context.Context, opID string, message []byte, signature string) (*types.ArtifactMetadata, error) {
	encoded, err := s.backend.Get(ctx, metadataKey(opID))
	if err != nil {
		return nil, err
	}

	var meta types.ArtifactMetadata
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return nil, errdefs.Internal(err, "corrupt metadata for operation %s", opID)
	}

	signer, err := s.verifier.RecoverSigner(message, signature)
	if err != nil {
		return nil, err
	}
	signerHex := signer.Hex()
	if !identity.SameAddress(signerHex, meta.GrantorAddress) && !identity.SameAddress(signerHex, meta.GranteeAddress) {
		return nil, errdefs.Authorization("signer is neither grantor nor grantee of operation %s", opID)
	}

	if time.Now().After(meta.ExpiresAt) {
		return nil, errdefs.Authorization("artifacts for operation %s have expired", opID)
	}

	return &meta, nil
}

// extraTypes covers extensions agents commonly produce that are missing
// from the platform mime table.
var extraTypes = map[string]string{
	".md":  "text/markdown",
	".txt": "text/plain",
	".csv": "text/csv",
	".log": "text/plain",
}

// contentTypeFor infers a content type from the filename extension
func contentTypeFor(name string) string {
	ext := filepath.Ext(name)
	if ct, ok := extraTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
