// Package assets is the consolidated persistence engine: one JSON document per
// subject holding model weights, training and prediction history, and the
// feature cache.
//
// Documents live at <data_dir>/assets/<subject>_complete.json. Every write
// goes through a backup/tmp/verify/rename sequence so a crash or a failed
// write leaves the previous document in place, and reads fall back to the
// backup before degrading to an empty record. Writers for the same subject are
// serialized in-process and across processes (flock on the .lock sibling);
// different subjects proceed independently.
//
// A short-TTL read cache sits in front of the disk. Saves update it with the
// value just written, and a background flush rewrites every live entry on a
// fixed interval.
package assets
