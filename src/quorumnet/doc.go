// Package quorumnet drives the service-node quorum overlay: relaying quorum
// votes, running the blink fast-finality protocol between quorum members,
// and aggregating entry-node verdicts for submitters.
//
// The package computes who to talk to from the node's positions inside the
// ordered quorums (see peerinfo.go and connmatrix.go), and exchanges
// bt-encoded command payloads over an authenticated transport.
package quorumnet
