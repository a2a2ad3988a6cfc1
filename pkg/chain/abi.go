package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal hand-declared ABIs for the three on-chain registries. Only the
// read paths the server needs are declared.

const permissionsABI = `[
  {"name":"permissions","type":"function","stateMutability":"view",
   "inputs":[{"name":"permissionId","type":"uint256"}],
   "outputs":[
     {"name":"id","type":"uint256"},
     {"name":"grantor","type":"address"},
     {"name":"nonce","type":"uint256"},
     {"name":"granteeId","type":"uint256"},
     {"name":"grant","type":"string"},
     {"name":"startBlock","type":"uint256"},
     {"name":"endBlock","type":"uint256"}]},
  {"name":"permissionFileIds","type":"function","stateMutability":"view",
   "inputs":[{"name":"permissionId","type":"uint256"}],
   "outputs":[{"name":"fileIds","type":"uint256[]"}]}
]`

const granteesABI = `[
  {"name":"grantees","type":"function","stateMutability":"view",
   "inputs":[{"name":"granteeId","type":"uint256"}],
   "outputs":[
     {"name":"owner","type":"address"},
     {"name":"granteeAddress","type":"address"},
     {"name":"publicKey","type":"string"}]},
  {"name":"granteePermissions","type":"function","stateMutability":"view",
   "inputs":[{"name":"granteeId","type":"uint256"}],
   "outputs":[{"name":"permissionIds","type":"uint256[]"}]}
]`

const filesABI = `[
  {"name":"files","type":"function","stateMutability":"view",
   "inputs":[{"name":"fileId","type":"uint256"}],
   "outputs":[
     {"name":"id","type":"uint256"},
     {"name":"ownerAddress","type":"address"},
     {"name":"url","type":"string"},
     {"name":"addedAtBlock","type":"uint256"}]},
  {"name":"fileKeys","type":"function","stateMutability":"view",
   "inputs":[{"name":"fileId","type":"uint256"},{"name":"account","type":"address"}],
   "outputs":[{"name":"encryptedKey","type":"string"}]}
]`

// mustParseABI parses a compile-time ABI literal
func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

var (
	permissionsContract = mustParseABI(permissionsABI)
	granteesContract    = mustParseABI(granteesABI)
	filesContract       = mustParseABI(filesABI)
)
