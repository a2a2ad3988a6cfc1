/*
Package ops orchestrates the create/get/cancel lifecycle of granted
operations.

The orchestrator is the single authorization choke point: every create
passes signature recovery, on-chain permission lookup, grantee identity
checks and grant validation before any ciphertext is fetched, and all
file decryption completes before any provider is dispatched. A failure at
any step aborts the whole request; no task is ever created for a request
that did not fully authorize and decrypt.

# Create flow

	┌──────────────────────────────────────────────────────────┐
	│  1. Parse request, recover app signer from signature     │
	│  2. Fetch permission record from the chain registry      │
	│  3. Verify signer is the registered grantee address      │
	│  4. Validate the grant document against the permission   │
	│  5. Derive grantor server identity, decrypt every file   │
	│  6. Dispatch to the provider named by the grant          │
	└──────────────────────────────────────────────────────────┘

Get and Cancel route by operation id prefix. Ids minted by agent
providers carry their agent prefix; ids without a registered prefix
(remote prediction ids are opaque) fall through to the default remote
LLM provider.
*/
package ops
