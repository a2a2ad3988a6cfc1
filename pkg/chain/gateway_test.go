package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahive/personal-server/pkg/errdefs"
)

// fakeCaller serves canned ABI-encoded responses keyed by method selector
type fakeCaller struct {
	responses map[string][]byte
	err       error
	calls     int
}

func (f *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	resp, ok := f.responses[string(call.Data[:4])]
	if !ok {
		return nil, errors.New("unexpected call")
	}
	return resp, nil
}

func selector(raw string, method string) string {
	parsed := mustParseABI(raw)
	return string(parsed.Methods[method].ID)
}

func packOutputs(t *testing.T, raw, method string, values ...interface{}) []byte {
	t.Helper()
	parsed := mustParseABI(raw)
	out, err := parsed.Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	return out
}

func testConfig() Config {
	return Config{
		PermissionsContract: "0x0000000000000000000000000000000000000011",
		FilesContract:       "0x0000000000000000000000000000000000000022",
		GranteesContract:    "0x0000000000000000000000000000000000000033",
		CallTimeout:         time.Second,
	}
}

func TestFetchPermission(t *testing.T) {
	grantor := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	caller := &fakeCaller{responses: map[string][]byte{
		selector(permissionsABI, "permissions"): packOutputs(t, permissionsABI, "permissions",
			big.NewInt(1), grantor, big.NewInt(7), big.NewInt(9), "ipfs://grant1", big.NewInt(100), big.NewInt(200)),
		selector(permissionsABI, "permissionFileIds"): packOutputs(t, permissionsABI, "permissionFileIds",
			[]*big.Int{big.NewInt(42), big.NewInt(43)}),
	}}

	g := New(caller, testConfig())

	perm, err := g.FetchPermission(context.Background(), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), perm.ID.Int64())
	assert.Equal(t, grantor.Hex(), perm.Grantor)
	assert.Equal(t, int64(9), perm.GranteeID.Int64())
	assert.Equal(t, "ipfs://grant1", perm.Grant)
	require.Len(t, perm.FileIDs, 2)
	assert.Equal(t, int64(42), perm.FileIDs[0].Int64())
}

func TestFetchPermissionNotFound(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]byte{
		selector(permissionsABI, "permissions"): packOutputs(t, permissionsABI, "permissions",
			big.NewInt(0), common.Address{}, big.NewInt(0), big.NewInt(0), "", big.NewInt(0), big.NewInt(0)),
	}}

	g := New(caller, testConfig())

	_, err := g.FetchPermission(context.Background(), big.NewInt(999))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestFetchPermissionTransportError(t *testing.T) {
	caller := &fakeCaller{err: errors.New("connection refused")}
	g := New(caller, testConfig())

	_, err := g.FetchPermission(context.Background(), big.NewInt(1))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindChain))
}

func TestFetchGrantee(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	grantee := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	caller := &fakeCaller{responses: map[string][]byte{
		selector(granteesABI, "grantees"): packOutputs(t, granteesABI, "grantees",
			owner, grantee, "0x04deadbeef"),
		selector(granteesABI, "granteePermissions"): packOutputs(t, granteesABI, "granteePermissions",
			[]*big.Int{big.NewInt(1)}),
	}}

	g := New(caller, testConfig())

	rec, err := g.FetchGrantee(context.Background(), big.NewInt(9))
	require.NoError(t, err)
	assert.Equal(t, grantee.Hex(), rec.GranteeAddress)
	assert.Equal(t, "0x04deadbeef", rec.PublicKey)
	assert.Len(t, rec.PermissionIDs, 1)
}

func TestFetchGranteeNotFound(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]byte{
		selector(granteesABI, "grantees"): packOutputs(t, granteesABI, "grantees",
			common.Address{}, common.Address{}, ""),
	}}

	g := New(caller, testConfig())

	_, err := g.FetchGrantee(context.Background(), big.NewInt(9))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestFetchFileAndKey(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	server := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	caller := &fakeCaller{responses: map[string][]byte{
		selector(filesABI, "files"): packOutputs(t, filesABI, "files",
			big.NewInt(42), owner, "ipfs://file42", big.NewInt(123)),
		selector(filesABI, "fileKeys"): packOutputs(t, filesABI, "fileKeys", "0aabbcc"),
	}}

	g := New(caller, testConfig())

	file, err := g.FetchFile(context.Background(), big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://file42", file.StorageURL)

	key, err := g.FetchFileKey(context.Background(), big.NewInt(42), server)
	require.NoError(t, err)
	assert.Equal(t, "0aabbcc", key)
}

func TestFetchFileKeyMissing(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]byte{
		selector(filesABI, "fileKeys"): packOutputs(t, filesABI, "fileKeys", ""),
	}}

	g := New(caller, testConfig())

	_, err := g.FetchFileKey(context.Background(), big.NewInt(42), common.Address{})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestReadCache(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]byte{
		selector(filesABI, "files"): packOutputs(t, filesABI, "files",
			big.NewInt(42), common.Address{0x01}, "ipfs://file42", big.NewInt(123)),
	}}

	cfg := testConfig()
	cfg.CacheTTL = time.Minute
	g := New(caller, cfg)

	_, err := g.FetchFile(context.Background(), big.NewInt(42))
	require.NoError(t, err)
	_, err = g.FetchFile(context.Background(), big.NewInt(42))
	require.NoError(t, err)

	// Second fetch served from cache
	assert.Equal(t, 1, caller.calls)
}
