/*
Package witness builds and signs the receipt an enclave hands back for
an operation or transaction: what isolation level it ran under and
exactly which reads/writes it performed, so a client can later prove to
a third party what the enclave did without trusting the client's word
for it.

Uses pkg/security's Ed25519 signer.
*/
package witness
