// Package workspace manages the per-job staging directories builds run in.
//
// Every job gets its own directory (job-<id>) under a common root. Directories
// of failed builds can be kept for inspection; Reset clears leftovers from a
// previous process at startup.
package workspace
