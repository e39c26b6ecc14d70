// Package harvester defines the domain types, collaborator interfaces, and
// error taxonomy shared by the harvesting pipeline: the session store,
// pacing and retry controllers, item sources, archival sinks, and the
// orchestrator that drives them.
package harvester
