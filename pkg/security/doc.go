/*
Package security provides the two cryptographic services the core needs
from outside the page/witness layer: page sealing and witness signing.

Page sealing (AES-256-GCM, nonce prepended to ciphertext) is what the
buffer manager uses before handing bytes to an untrusted pagestore.Store
and after reading them back, with one key derived per page number so
that two pages never reuse a (key, nonce) pair even if a nonce were ever
to repeat.

Witness signing (Ed25519) is a "sign(private_key, bytes) -> signature"
collaborator; the enclave's public key is stable for the lifetime of the
instance.
*/
package security
