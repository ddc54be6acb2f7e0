// Package ledger implements a tamper-evident, append-only audit ledger.
//
// Every mutating action in the host application is recorded as a Block whose
// Hash covers its index, the previous block's hash, its data and its
// timestamp. The first block links to the GenesisPrevHash sentinel. Editing
// any stored block breaks either its own hash or the link held by its
// successor, which VerifyChain and DetectTampered report.
//
// Blocks live in a Store, the single synchronisation point of the ledger:
//   - MemoryStore: in-process, for tests and development.
//   - LevelDBStore: embedded, durable, single process.
//   - PostgresStore: durable, safe for many writer processes.
//
// Repair restores hash/prevHash self-consistency only. It trusts stored data,
// so a payload rewritten together with consistent hashes cannot be detected
// without an external anchor.
package ledger
