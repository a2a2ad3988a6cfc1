package ops

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahive/personal-server/pkg/crypto"
	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/identity"
	"github.com/datahive/personal-server/pkg/provider"
	"github.com/datahive/personal-server/pkg/types"
)

const testMnemonic = "test test test test test test test test test test test junk"

// fakeChain serves canned registry records
type fakeChain struct {
	permissions map[int64]*types.Permission
	grantees    map[int64]*types.GranteeRecord
	files       map[int64]*types.FileRecord
	fileKeys    map[int64]string
}

func (f *fakeChain) FetchPermission(_ context.Context, id *big.Int) (*types.Permission, error) {
	p, ok := f.permissions[id.Int64()]
	if !ok {
		return nil, errdefs.NotFound("permission %s not found", id)
	}
	return p, nil
}

func (f *fakeChain) FetchGrantee(_ context.Context, id *big.Int) (*types.GranteeRecord, error) {
	g, ok := f.grantees[id.Int64()]
	if !ok {
		return nil, errdefs.NotFound("grantee %s not found", id)
	}
	return g, nil
}

func (f *fakeChain) FetchFile(_ context.Context, id *big.Int) (*types.FileRecord, error) {
	file, ok := f.files[id.Int64()]
	if !ok {
		return nil, errdefs.NotFound("file %s not found", id)
	}
	return file, nil
}

func (f *fakeChain) FetchFileKey(_ context.Context, fileID *big.Int, _ common.Address) (string, error) {
	key, ok := f.fileKeys[fileID.Int64()]
	if !ok {
		return "", errdefs.NotFound("file key for %s not found", fileID)
	}
	return key, nil
}

// fakeFetcher serves canned URL contents
type fakeFetcher struct {
	contents map[string][]byte
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ int64) ([]byte, error) {
	data, ok := f.contents[url]
	if !ok {
		return nil, errdefs.Content(errdefs.ContentNotFound, nil, "no gateway served %s", url)
	}
	return data, nil
}

// captureProvider records what it was dispatched with
type captureProvider struct {
	grant   *types.Grant
	files   [][]byte
	execCtx types.ExecContext
	gets    []string
	cancels []string
}

func (c *captureProvider) Execute(_ context.Context, g *types.Grant, files [][]byte, execCtx types.ExecContext) (*types.CreateResponse, error) {
	c.grant = g
	c.files = files
	c.execCtx = execCtx
	return &types.CreateResponse{ID: "llm_1", CreatedAt: time.Now()}, nil
}

func (c *captureProvider) Get(_ context.Context, opID string) (*types.OperationView, error) {
	c.gets = append(c.gets, opID)
	return &types.OperationView{ID: opID, Status: types.StatusRunning}, nil
}

func (c *captureProvider) Cancel(_ context.Context, opID string) (bool, error) {
	c.cancels = append(c.cancels, opID)
	return true, nil
}

// fixture builds a fully linked permission with one encrypted file
type fixture struct {
	orch     *Orchestrator
	chain    *fakeChain
	fetcher  *fakeFetcher
	llm      *captureProvider
	agent    *captureProvider
	grantee  *actor
	grantor  string
	deriver  *identity.Deriver
	registry *provider.Registry
}

type actor struct {
	key     *ecdsa.PrivateKey
	address string
}

func newActor(t *testing.T) *actor {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	return &actor{key: key, address: gethcrypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (a *actor) sign(t *testing.T, message []byte) string {
	t.Helper()
	sig, err := gethcrypto.Sign(accounts.TextHash(message), a.key)
	require.NoError(t, err)
	return "0x" + hex.EncodeToString(sig)
}

func newFixture(t *testing.T, grantDoc map[string]interface{}) *fixture {
	t.Helper()

	deriver, err := identity.NewDeriver(testMnemonic, "english")
	require.NoError(t, err)
	verifier, err := identity.NewVerifier("")
	require.NoError(t, err)

	grantee := newActor(t)
	grantor := newActor(t).address

	if grantDoc["grantee"] == nil {
		grantDoc["grantee"] = grantee.address
	}
	grantBytes, err := json.Marshal(grantDoc)
	require.NoError(t, err)

	// Encrypt one file the way a user client would: payload under a random
	// key, the key sealed to the grantor's derived server identity.
	serverID, err := deriver.Derive(grantor)
	require.NoError(t, err)
	payloadKey := []byte("user-payload-key-material")
	fileCipher, err := crypto.EncryptPayload([]byte("decrypted user data"), payloadKey)
	require.NoError(t, err)
	sealedKey, err := crypto.SealEnvelope(payloadKey, serverID.PublicKey)
	require.NoError(t, err)

	chainFake := &fakeChain{
		permissions: map[int64]*types.Permission{
			7: {
				ID:        big.NewInt(7),
				Grantor:   grantor,
				GranteeID: big.NewInt(9),
				Grant:     "ipfs://QmGrant",
				FileIDs:   []*big.Int{big.NewInt(42)},
			},
		},
		grantees: map[int64]*types.GranteeRecord{
			9: {GranteeAddress: grantee.address},
		},
		files: map[int64]*types.FileRecord{
			42: {ID: big.NewInt(42), StorageURL: "ipfs://QmFile42"},
		},
		fileKeys: map[int64]string{42: sealedKey},
	}
	fetcher := &fakeFetcher{contents: map[string][]byte{
		"ipfs://QmGrant":  grantBytes,
		"ipfs://QmFile42": fileCipher,
	}}

	llm := &captureProvider{}
	agent := &captureProvider{}
	registry := provider.NewRegistry()
	registry.Register(types.OperationRemoteLLM, "", provider.Singleton(llm))
	registry.Register(types.OperationAgentQwen, "qwen", provider.Singleton(agent))

	orch := New(Config{
		Chain:    chainFake,
		Fetcher:  fetcher,
		Deriver:  deriver,
		Verifier: verifier,
		Registry: registry,
	})

	return &fixture{
		orch:     orch,
		chain:    chainFake,
		fetcher:  fetcher,
		llm:      llm,
		agent:    agent,
		grantee:  grantee,
		grantor:  grantor,
		deriver:  deriver,
		registry: registry,
	}
}

func llmGrantDoc() map[string]interface{} {
	return map[string]interface{}{
		"operation":  types.OperationRemoteLLM,
		"parameters": map[string]interface{}{"prompt": "summarize {{data}}"},
	}
}

func TestCreateHappyPath(t *testing.T) {
	f := newFixture(t, llmGrantDoc())

	body := []byte(`{"permission_id": 7}`)
	resp, err := f.orch.Create(context.Background(), body, f.grantee.sign(t, body))
	require.NoError(t, err)
	assert.Equal(t, "llm_1", resp.ID)

	require.NotNil(t, f.llm.grant)
	assert.Equal(t, types.OperationRemoteLLM, f.llm.grant.Operation)
	require.Len(t, f.llm.files, 1)
	assert.Equal(t, []byte("decrypted user data"), f.llm.files[0])
	assert.Equal(t, f.grantor, f.llm.execCtx.Grantor)
	assert.Equal(t, int64(7), f.llm.execCtx.PermissionID)
}

func TestCreateRejectsBadBody(t *testing.T) {
	f := newFixture(t, llmGrantDoc())

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"permission_id": `},
		{"non-integer", `{"permission_id": 1.5}`},
		{"zero", `{"permission_id": 0}`},
		{"negative", `{"permission_id": -3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			_, err := f.orch.Create(context.Background(), body, f.grantee.sign(t, body))
			require.Error(t, err)
			assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
		})
	}
}

func TestCreateRejectsWrongSigner(t *testing.T) {
	f := newFixture(t, llmGrantDoc())
	stranger := newActor(t)

	body := []byte(`{"permission_id": 7}`)
	_, err := f.orch.Create(context.Background(), body, stranger.sign(t, body))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindAuthentication))

	// Nothing was dispatched
	assert.Nil(t, f.llm.grant)
}

func TestCreateRejectsMalformedSignature(t *testing.T) {
	f := newFixture(t, llmGrantDoc())

	body := []byte(`{"permission_id": 7}`)
	_, err := f.orch.Create(context.Background(), body, "0xdeadbeef")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindAuthentication))
}

func TestCreateUnknownPermission(t *testing.T) {
	f := newFixture(t, llmGrantDoc())

	body := []byte(`{"permission_id": 999}`)
	_, err := f.orch.Create(context.Background(), body, f.grantee.sign(t, body))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestCreateRejectsEmptyFileList(t *testing.T) {
	f := newFixture(t, llmGrantDoc())
	f.chain.permissions[7].FileIDs = nil

	body := []byte(`{"permission_id": 7}`)
	_, err := f.orch.Create(context.Background(), body, f.grantee.sign(t, body))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestCreateRejectsExpiredGrant(t *testing.T) {
	doc := llmGrantDoc()
	doc["expires"] = time.Now().Add(-time.Hour).Unix()
	f := newFixture(t, doc)

	body := []byte(`{"permission_id": 7}`)
	_, err := f.orch.Create(context.Background(), body, f.grantee.sign(t, body))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindGrantValidation))

	// Grant validation happens before any decryption or dispatch
	assert.Nil(t, f.llm.grant)
}

func TestCreateRejectsGrantForOtherGrantee(t *testing.T) {
	doc := llmGrantDoc()
	doc["grantee"] = "0x2222222222222222222222222222222222222222"
	f := newFixture(t, doc)

	body := []byte(`{"permission_id": 7}`)
	_, err := f.orch.Create(context.Background(), body, f.grantee.sign(t, body))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindGrantValidation))
}

func TestCreateTamperedCiphertext(t *testing.T) {
	f := newFixture(t, llmGrantDoc())

	cipher := f.fetcher.contents["ipfs://QmFile42"]
	cipher[len(cipher)-1] ^= 0x01

	body := []byte(`{"permission_id": 7}`)
	_, err := f.orch.Create(context.Background(), body, f.grantee.sign(t, body))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindDecryption))
}

func TestCreateGrantFetchFailure(t *testing.T) {
	f := newFixture(t, llmGrantDoc())
	delete(f.fetcher.contents, "ipfs://QmGrant")

	body := []byte(`{"permission_id": 7}`)
	_, err := f.orch.Create(context.Background(), body, f.grantee.sign(t, body))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindContent))
}

func TestCreateDispatchesAgentOperation(t *testing.T) {
	doc := map[string]interface{}{
		"operation":  types.OperationAgentQwen,
		"parameters": map[string]interface{}{"goal": "analyze my data"},
	}
	f := newFixture(t, doc)

	body := []byte(`{"permission_id": 7}`)
	_, err := f.orch.Create(context.Background(), body, f.grantee.sign(t, body))
	require.NoError(t, err)

	assert.Nil(t, f.llm.grant)
	require.NotNil(t, f.agent.grant)
	assert.Equal(t, types.OperationAgentQwen, f.agent.grant.Operation)
}

func TestGetRouting(t *testing.T) {
	f := newFixture(t, llmGrantDoc())

	// Agent prefix routes to the agent provider
	_, err := f.orch.Get(context.Background(), "qwen_12345")
	require.NoError(t, err)
	assert.Equal(t, []string{"qwen_12345"}, f.agent.gets)

	// Unknown prefix falls back to the default provider
	_, err = f.orch.Get(context.Background(), "pred_abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"pred_abc"}, f.llm.gets)
}

func TestCancelRouting(t *testing.T) {
	f := newFixture(t, llmGrantDoc())

	accepted, err := f.orch.Cancel(context.Background(), "qwen_12345")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, []string{"qwen_12345"}, f.agent.cancels)

	_, err = f.orch.Cancel(context.Background(), "")
	require.Error(t, err)
}

func TestCreateSynthesizesOperationID(t *testing.T) {
	f := newFixture(t, llmGrantDoc())
	f.registry.Register(types.OperationRemoteLLM, "", provider.Singleton(&emptyIDProvider{}))

	body := []byte(`{"permission_id": 7}`)
	resp, err := f.orch.Create(context.Background(), body, f.grantee.sign(t, body))
	require.NoError(t, err)
	assert.Contains(t, resp.ID, types.OperationRemoteLLM+"_")
	assert.False(t, resp.CreatedAt.IsZero())
}

// emptyIDProvider accepts dispatch without assigning an operation id
type emptyIDProvider struct{}

func (p *emptyIDProvider) Execute(context.Context, *types.Grant, [][]byte, types.ExecContext) (*types.CreateResponse, error) {
	return &types.CreateResponse{}, nil
}

func (p *emptyIDProvider) Get(context.Context, string) (*types.OperationView, error) {
	return nil, fmt.Errorf("not implemented")
}

func (p *emptyIDProvider) Cancel(context.Context, string) (bool, error) {
	return false, nil
}
