// Package sn holds the service-node model: registry records mapping
// identities to transport keys and endpoints, quorum types and parameters,
// and the quorum checksum that lets peers detect divergent membership views.
package sn
