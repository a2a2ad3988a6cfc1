package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/metrics"
	"github.com/datahive/personal-server/pkg/types"
)

// Registry is read-only access to the three on-chain registries.
type Registry interface {
	FetchPermission(ctx context.Context, id *big.Int) (*types.Permission, error)
	FetchGrantee(ctx context.Context, id *big.Int) (*types.GranteeRecord, error)
	FetchFile(ctx context.Context, id *big.Int) (*types.FileRecord, error)
	FetchFileKey(ctx context.Context, fileID *big.Int, serverAddress common.Address) (string, error)
}

// contractCaller is the slice of the RPC client the gateway needs. It is an
// interface so tests can substitute a fake chain.
type contractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config holds gateway settings
type Config struct {
	Endpoint            string
	PermissionsContract string
	FilesContract       string
	GranteesContract    string
	CallTimeout         time.Duration
	CacheTTL            time.Duration
}

// Gateway implements Registry against a JSON-RPC endpoint.
type Gateway struct {
	caller      contractCaller
	permissions common.Address
	files       common.Address
	grantees    common.Address
	callTimeout time.Duration
	cache       *readCache
}

// Dial connects the gateway to the configured endpoint.
func Dial(cfg Config) (*Gateway, error) {
	client, err := ethclient.Dial(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain endpoint: %w", err)
	}
	return New(client, cfg), nil
}

// New builds a gateway over an existing caller.
func New(caller contractCaller, cfg Config) *Gateway {
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		caller:      caller,
		permissions: common.HexToAddress(cfg.PermissionsContract),
		files:       common.HexToAddress(cfg.FilesContract),
		grantees:    common.HexToAddress(cfg.GranteesContract),
		callTimeout: timeout,
		cache:       newReadCache(cfg.CacheTTL),
	}
}

// FetchPermission loads a permission record and its file id list.
func (g *Gateway) FetchPermission(ctx context.Context, id *big.Int) (*types.Permission, error) {
	out, err := g.call(ctx, g.permissions, permissionsContract, "permissions", id)
	if err != nil {
		return nil, err
	}

	perm := &types.Permission{
		ID:         out[0].(*big.Int),
		Grantor:    out[1].(common.Address).Hex(),
		Nonce:      out[2].(*big.Int),
		GranteeID:  out[3].(*big.Int),
		Grant:      out[4].(string),
		StartBlock: out[5].(*big.Int),
		EndBlock:   out[6].(*big.Int),
	}

	// A zero id means the registry has no such permission
	if perm.ID.Sign() == 0 {
		return nil, errdefs.NotFound("permission %s not found", id)
	}

	fileOut, err := g.call(ctx, g.permissions, permissionsContract, "permissionFileIds", id)
	if err != nil {
		return nil, err
	}
	perm.FileIDs = fileOut[0].([]*big.Int)

	return perm, nil
}

// FetchGrantee loads a grantee record.
func (g *Gateway) FetchGrantee(ctx context.Context, id *big.Int) (*types.GranteeRecord, error) {
	out, err := g.call(ctx, g.grantees, granteesContract, "grantees", id)
	if err != nil {
		return nil, err
	}

	granteeAddr := out[1].(common.Address)
	if granteeAddr == (common.Address{}) {
		return nil, errdefs.NotFound("grantee %s not found", id)
	}

	rec := &types.GranteeRecord{
		Owner:          out[0].(common.Address).Hex(),
		GranteeAddress: granteeAddr.Hex(),
		PublicKey:      out[2].(string),
	}

	permOut, err := g.call(ctx, g.grantees, granteesContract, "granteePermissions", id)
	if err != nil {
		return nil, err
	}
	rec.PermissionIDs = permOut[0].([]*big.Int)

	return rec, nil
}

// FetchFile loads a file record.
func (g *Gateway) FetchFile(ctx context.Context, id *big.Int) (*types.FileRecord, error) {
	out, err := g.call(ctx, g.files, filesContract, "files", id)
	if err != nil {
		return nil, err
	}

	rec := &types.FileRecord{
		ID:           out[0].(*big.Int),
		OwnerAddress: out[1].(common.Address).Hex(),
		StorageURL:   out[2].(string),
		AddedAtBlock: out[3].(*big.Int),
	}

	if rec.ID.Sign() == 0 {
		return nil, errdefs.NotFound("file %s not found", id)
	}

	return rec, nil
}

// FetchFileKey loads the encrypted symmetric key sealed to a server address.
func (g *Gateway) FetchFileKey(ctx context.Context, fileID *big.Int, serverAddress common.Address) (string, error) {
	out, err := g.call(ctx, g.files, filesContract, "fileKeys", fileID, serverAddress)
	if err != nil {
		return "", err
	}

	key := out[0].(string)
	if key == "" {
		return "", errdefs.NotFound("no key for file %s under %s", fileID, serverAddress.Hex())
	}

	return key, nil
}

// call packs, executes and unpacks a view call with timeout, consulting the
// short-lived read cache first.
func (g *Gateway) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	cacheKey := cacheKeyFor(contract, method, args...)
	if cached, ok := g.cache.get(cacheKey); ok {
		return cached, nil
	}

	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, errdefs.Internal(err, "failed to pack %s call", method)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	raw, err := g.caller.CallContract(callCtx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		// Transport failure invalidates any stale entry for this key
		g.cache.drop(cacheKey)
		metrics.ChainCallsTotal.WithLabelValues(method, "error").Inc()
		return nil, errdefs.Chain(err, "chain call %s failed", method)
	}

	out, err := parsed.Unpack(method, raw)
	if err != nil {
		g.cache.drop(cacheKey)
		metrics.ChainCallsTotal.WithLabelValues(method, "error").Inc()
		return nil, errdefs.Chain(err, "malformed %s response", method)
	}

	metrics.ChainCallsTotal.WithLabelValues(method, "ok").Inc()
	g.cache.put(cacheKey, out)

	log.WithComponent("chain").Debug().
		Str("method", method).
		Str("contract", contract.Hex()).
		Msg("view call completed")

	return out, nil
}
