/*
Package identity derives per-user server keypairs and verifies request
signatures.

The server holds one BIP39 mnemonic. Each user address maps onto a BIP44
account index (m/44'/60'/0'/0/i) so the server presents a stable,
distinct identity per user without storing any per-user key material.
Derived private keys are created on demand and never persisted.

Signature verification recovers the signer from EIP-191 personal-message
signatures. A mock signer can be configured for local testing; it
bypasses recovery entirely and must never be set in production.
*/
package identity
