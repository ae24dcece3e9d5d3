/*
Package pagestore defines the page store interface the core consumes:
read/write/remove/exists over opaque, named byte blobs on an untrusted
host. The core encrypts and MACs page contents before handing them to a
Store; pagestore itself never interprets page bytes.

Two backends are provided for testing and local use: an in-memory Store
and a bbolt-backed Store (one bucket, page name as key).
*/
package pagestore
