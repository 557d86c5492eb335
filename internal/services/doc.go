// Package services builds and holds the taskrun components.
//
// Build wires configuration into the audit trail, artifact store, approval
// gate, tool registry, plan manager and run manager, all rooted under the
// configured storage directory:
//
//	<root>/audit.db        audit trail
//	<root>/plans/<id>/     plan.json, SUMMARY.md
//	<root>/runs/<id>/      manifest.json
//	<root>/artifacts/      artifact metadata and blobs
//	<root>/approvals/      requests and the decision inbox
//
// Use the accessor methods of the returned Registry to reach individual
// components, and Close to shut them down in order.
package services
