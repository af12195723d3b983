// Package capture turns a worker's response into the typed payload handed
// back to callers.
//
// Results keep the key order the script produced and integers stay
// integers. Each named result is classified: arrays of objects and objects
// of scalars become tables, other arrays become lists, other nested values
// stay JSON, and values the runtime had to coerce to text are marked as
// text. Output and chart limits are checked again here; a violation fails
// the whole capture.
package capture
