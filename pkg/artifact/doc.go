/*
Package artifact stores agent outputs encrypted at rest.

Each operation gets a fresh 256-bit payload key. Every artifact is
encrypted with that key, and the key itself is sealed with ECIES to the
grantee's derived server public key before anything touches the backend.
The plaintext key exists only inside a Write or Read call.

Objects live under operations/<id>/artifacts/<name> with a
metadata.json sidecar per operation recording the participants, expiry,
the sealed key and the artifact listing. Reads and listings require a
signature over a documented payload and are allowed only for the
operation's grantor or grantee before expiry.

Backends are pluggable: S3-compatible object storage for deployments,
an embedded bbolt database for single-node setups.
*/
package artifact
