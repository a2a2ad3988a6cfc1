package types

import (
	"math/big"
	"time"
)

// Permission is an on-chain record linking a grantor, a grantee and a grant
// document to a set of file ids, valid during a block range.
type Permission struct {
	ID         *big.Int
	Grantor    string // 0x-prefixed address of the data owner
	Nonce      *big.Int
	GranteeID  *big.Int
	Grant      string // Content-addressed URI of the grant file
	StartBlock *big.Int
	EndBlock   *big.Int
	FileIDs    []*big.Int
}

// GranteeRecord is the on-chain registration of a third-party application.
type GranteeRecord struct {
	Owner          string
	GranteeAddress string
	PublicKey      string
	PermissionIDs  []*big.Int
}

// FileRecord is the on-chain registration of a user file.
type FileRecord struct {
	ID           *big.Int
	OwnerAddress string
	StorageURL   string
	AddedAtBlock *big.Int
}

// Grant is the validated content of an off-chain grant file.
type Grant struct {
	Grantee    string                 `json:"grantee"`
	Operation  string                 `json:"operation"`
	Parameters map[string]interface{} `json:"parameters"`
	Expires    int64                  `json:"expires,omitempty"` // POSIX seconds, 0 = never
}

// Supported grant operations
const (
	OperationRemoteLLM   = "remote-llm"
	OperationAgentQwen   = "agent-qwen"
	OperationAgentGemini = "agent-gemini"
)

// SupportedOperations is the closed set of operation names a grant may name.
var SupportedOperations = []string{
	OperationRemoteLLM,
	OperationAgentQwen,
	OperationAgentGemini,
}

// OperationStatus represents the lifecycle state of an operation
type OperationStatus string

const (
	StatusPending   OperationStatus = "PENDING"
	StatusRunning   OperationStatus = "RUNNING"
	StatusSucceeded OperationStatus = "SUCCEEDED"
	StatusFailed    OperationStatus = "FAILED"
	StatusCancelled OperationStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state
func (s OperationStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ExecContext carries the authorization context of a dispatched operation.
type ExecContext struct {
	OperationID  string
	Grantor      string
	Grantee      string
	PermissionID int64
}

// ExecStatus is the agent-reported outcome of a sandbox execution
type ExecStatus string

const (
	ExecOK      ExecStatus = "ok"
	ExecWarning ExecStatus = "warning"
	ExecError   ExecStatus = "error"
)

// ExecArtifact is a file produced by an agent inside its workspace out/ directory
type ExecArtifact struct {
	Name         string
	Bytes        []byte
	Size         int64
	RelativePath string
}

// ExecResult is what a sandbox runtime returns after an agent run.
type ExecResult struct {
	Status           ExecStatus
	Summary          string
	StructuredResult map[string]interface{}
	Artifacts        []ExecArtifact
	Logs             []string
	StdoutExcerpt    string
	ReturnCode       int
	ExecutionTime    time.Duration
}

// ArtifactInfo describes a stored artifact without its bytes
type ArtifactInfo struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Checksum    string `json:"checksum_sha256"`
	Path        string `json:"path"`
}

// ArtifactMetadata is the per-operation sidecar persisted next to artifact
// ciphertext. EncryptedPayloadKey is the AES key sealed with ECIES to the
// grantee's derived server key; the plaintext key is never persisted.
type ArtifactMetadata struct {
	OperationID         string         `json:"operation_id"`
	GrantorAddress      string         `json:"grantor_address"`
	GranteeAddress      string         `json:"grantee_address"`
	CreatedAt           time.Time      `json:"created_at"`
	ExpiresAt           time.Time      `json:"expires_at"`
	EncryptedPayloadKey string         `json:"encrypted_payload_key"`
	Artifacts           []ArtifactInfo `json:"artifacts"`
}

// OperationRequest is the signed request body submitted to create
type OperationRequest struct {
	PermissionID int64 `json:"permission_id"`
}

// CreateResponse is returned by a successful create
type CreateResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// OperationView is the client-visible rendering of an operation
type OperationView struct {
	ID         string          `json:"id"`
	Status     OperationStatus `json:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Result     interface{}     `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}
