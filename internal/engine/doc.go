// Package engine owns the live evaluation sessions of stored functions. Each
// session pairs an isolated host opened through the backend registry with a
// correlation broker, and is rebuilt from the stored code whenever it is
// missing or its host has crashed. Grid runs fan out one independent
// evaluation per coordinate, persist the voxels and stream them to
// subscribers as they are produced.
package engine
