/*
Package peer defines the contract this enclave uses to talk to peer
enclaves during distributed two-phase commit, index-update propagation to
downstream replicas, and single-hop trigger forwarding. The transport
itself (gRPC, an attested channel, whatever the deployment uses) lives
outside this module; peer only describes the shape a transport must
expose.
*/
package peer
