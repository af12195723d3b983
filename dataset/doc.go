// Package dataset loads the vacancies snapshot that analysis scripts read
// and describes its schema.
//
// A Handle is immutable once loaded. Scripts never touch it: each worker
// process receives a copy of the canonical JSON encoding and the sandbox
// deep-freezes the decoded value before the script runs. The SHA-256 digest
// taken at load time identifies the snapshot, and Verify re-encodes the
// records to check them against it.
//
// Usage:
//
//	ds, err := dataset.Load("data/vacancies.json")
//	if err != nil {
//	    return err
//	}
//	desc := ds.Describe()
package dataset
