// Command updategate runs the Updategate webhook ingress gate.
//
// Updategate receives bot platform updates at the edge, verifies the shared
// secret, flags suspicious traffic, enqueues updates durably, and processes
// them with an in-process worker.
//
// Install:
//
//	go install github.com/nuetzliches/updategate/cmd/updategate@latest
//
// Usage:
//
//	updategate run --secret env:UPDATEGATE_SECRET --db ./.data/updategate.db
package main
